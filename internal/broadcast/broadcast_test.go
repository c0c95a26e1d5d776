// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alephauto/internal/bus"
	"alephauto/pkg/models"
)

func TestSessionQueueOverflowShedsNonCritical(t *testing.T) {
	s := &session{cfg: Config{QueueCap: 3}}

	s.enqueue(models.Event{Name: models.EventJobProgress, JobID: "p1"})
	s.enqueue(models.Event{Name: models.EventJobFailed, JobID: "f1"})
	s.enqueue(models.Event{Name: models.EventJobProgress, JobID: "p2"})
	// Cap reached: the oldest progress event goes first.
	s.enqueue(models.Event{Name: models.EventJobCompleted, JobID: "c1"})

	events, dropped := s.take()
	require.Len(t, events, 3)
	assert.Equal(t, 1, dropped)
	for _, ev := range events {
		assert.False(t, ev.Name == models.EventJobProgress && ev.JobID == "p1")
	}

	// take resets the queue and the counter.
	events, dropped = s.take()
	assert.Empty(t, events)
	assert.Zero(t, dropped)
}

func TestSessionQueueNeverShedsCritical(t *testing.T) {
	s := &session{cfg: Config{QueueCap: 2}}

	s.enqueue(models.Event{Name: models.EventJobFailed})
	s.enqueue(models.Event{Name: models.EventRetryExhausted})
	s.enqueue(models.Event{Name: models.EventJobFailed})

	events, dropped := s.take()
	assert.Len(t, events, 3)
	assert.Zero(t, dropped)
}

func TestSessionDroppedTotalSpansBatches(t *testing.T) {
	s := &session{cfg: Config{QueueCap: 2}}

	s.enqueue(models.Event{Name: models.EventJobProgress, JobID: "p1"})
	s.enqueue(models.Event{Name: models.EventJobProgress, JobID: "p2"})
	s.enqueue(models.Event{Name: models.EventJobCompleted, JobID: "c1"})

	_, dropped := s.take()
	assert.Equal(t, 1, dropped)

	s.enqueue(models.Event{Name: models.EventJobProgress, JobID: "p3"})
	s.enqueue(models.Event{Name: models.EventJobProgress, JobID: "p4"})
	s.enqueue(models.Event{Name: models.EventJobCompleted, JobID: "c2"})

	_, dropped = s.take()
	assert.Equal(t, 1, dropped)

	// The per-batch counter resets; the lifetime total does not.
	assert.Equal(t, 2, s.droppedTotal())
}

type wsEnvelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func dialTest(t *testing.T, b *Broadcaster) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(b)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestSubscriberReceivesSnapshotThenBatches(t *testing.T) {
	eventBus := bus.New()
	b := New(Config{BatchWindow: 20 * time.Millisecond}, func(context.Context) (any, error) {
		return map[string]any{"pipelines": []any{}, "running": 0}, nil
	}, nil)
	b.Attach(eventBus)
	defer b.Close()

	conn, done := dialTest(t, b)
	defer done()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot wsEnvelope
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot.Event)
	assert.Contains(t, string(snapshot.Data), "pipelines")

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	eventBus.Publish(models.Event{Name: models.EventJobCreated, JobID: "job-1", PipelineID: "repomix"})
	eventBus.Publish(models.Event{Name: models.EventJobStarted, JobID: "job-1", PipelineID: "repomix"})

	var batch wsEnvelope
	require.NoError(t, conn.ReadJSON(&batch))
	assert.Equal(t, "batch", batch.Event)

	var payload struct {
		Events       []models.Event `json:"events"`
		DroppedCount int            `json:"dropped_count"`
	}
	require.NoError(t, json.Unmarshal(batch.Data, &payload))
	require.NotEmpty(t, payload.Events)
	assert.Equal(t, models.EventJobCreated, payload.Events[0].Name)
	assert.Zero(t, payload.DroppedCount)
}

func TestDisconnectRemovesSession(t *testing.T) {
	b := New(Config{BatchWindow: 20 * time.Millisecond}, func(context.Context) (any, error) {
		return map[string]any{}, nil
	}, nil)
	defer b.Close()

	conn, done := dialTest(t, b)
	defer done()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snapshot wsEnvelope
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotFailureRejectsSubscriber(t *testing.T) {
	b := New(Config{}, func(context.Context) (any, error) {
		return nil, context.DeadlineExceeded
	}, nil)
	defer b.Close()

	srv := httptest.NewServer(b)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		// Upgrade succeeded before the snapshot failed; the server must
		// close immediately without registering the session.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr := conn.ReadMessage()
		assert.Error(t, readErr)
		conn.Close()
	}
	assert.Equal(t, 0, b.Count())
}

func TestClosedBroadcasterRejectsNewSessions(t *testing.T) {
	b := New(Config{}, func(context.Context) (any, error) {
		return map[string]any{}, nil
	}, nil)
	b.Close()

	srv := httptest.NewServer(b)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		// Snapshot may arrive, but the session is torn down right after.
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				break
			}
		}
		conn.Close()
	}
	assert.Equal(t, 0, b.Count())
}
