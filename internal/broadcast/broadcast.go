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

// Package broadcast delivers job lifecycle events to WebSocket subscribers.
// Each session owns a bounded outbound queue drained on a fixed batching
// cadence; a slow or dead peer only ever costs its own session.
package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"alephauto/internal/bus"
	"alephauto/internal/metrics"
	"alephauto/pkg/models"
)

// Envelope is the wire frame pushed to subscribers: a snapshot on connect,
// then batch envelopes carrying events in arrival order.
type Envelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch is the payload of an incremental envelope.
type Batch struct {
	Events       []models.Event `json:"events"`
	DroppedCount int            `json:"dropped_count,omitempty"`
}

// SnapshotFunc produces the initial status document for a new session.
type SnapshotFunc func(ctx context.Context) (any, error)

// Config tunes the broadcaster.
type Config struct {
	BatchWindow    time.Duration // flush cadence, default 500ms
	QueueCap       int           // per-session outbound queue, default 256
	IdleDisconnect time.Duration // unwritable transport cutoff, default 30s
}

func (c *Config) applyDefaults() {
	if c.BatchWindow <= 0 {
		c.BatchWindow = 500 * time.Millisecond
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 256
	}
	if c.IdleDisconnect <= 0 {
		c.IdleDisconnect = 30 * time.Second
	}
}

// Broadcaster fans bus events out to connected WebSocket sessions.
type Broadcaster struct {
	cfg      Config
	snapshot SnapshotFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	unsubscribe func()
}

// New builds a broadcaster; call Attach to wire it to the bus.
func New(cfg Config, snapshot SnapshotFunc, logger *slog.Logger) *Broadcaster {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cfg:      cfg,
		snapshot: snapshot,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is same-host; other origins get the polling API.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Attach subscribes the broadcaster to the bus. The bus sink is fast: it
// only appends to per-session queues, never touches the network.
func (b *Broadcaster) Attach(eventBus *bus.Bus) {
	b.unsubscribe = eventBus.Subscribe("broadcast", 0, b.fanout)
}

// Close detaches from the bus and closes every session.
func (b *Broadcaster) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Count returns the number of connected sessions.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ServeHTTP upgrades the request and runs the session until disconnect.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	doc, err := b.snapshot(r.Context())
	if err != nil {
		b.logger.Error("status snapshot for new subscriber failed", "error", err)
		conn.Close()
		return
	}

	s := &session{
		id:        uuid.NewString(),
		conn:      conn,
		cfg:       b.cfg,
		logger:    b.logger,
		connected: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	conn.SetWriteDeadline(time.Now().Add(b.cfg.IdleDisconnect))
	if err := conn.WriteJSON(Envelope{Event: "snapshot", Data: doc, Timestamp: time.Now().UTC()}); err != nil {
		b.logger.Debug("snapshot write failed", "session_id", s.id, "error", err)
		conn.Close()
		return
	}

	if !b.add(s) {
		conn.Close()
		return
	}
	b.logger.Info("subscriber connected", "session_id", s.id)

	go s.readLoop(func() { b.remove(s) })
	s.writeLoop(func() { b.remove(s) })
}

func (b *Broadcaster) add(s *session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s.id] = s
	metrics.SetSubscribers(len(b.sessions))
	return true
}

func (b *Broadcaster) remove(s *session) {
	b.mu.Lock()
	_, present := b.sessions[s.id]
	delete(b.sessions, s.id)
	n := len(b.sessions)
	b.mu.Unlock()
	if present {
		metrics.SetSubscribers(n)
		b.logger.Info("subscriber disconnected", "session_id", s.id, "dropped", s.droppedTotal())
	}
	s.close()
}

func (b *Broadcaster) fanout(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.enqueue(ev)
	}
}

// session is one subscriber connection with its bounded outbound queue.
type session struct {
	id        string
	conn      *websocket.Conn
	cfg       Config
	logger    *slog.Logger
	connected time.Time

	mu         sync.Mutex
	queue      []models.Event
	dropped    int // since the last batch
	droppedAll int // session lifetime

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) enqueue(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cfg.QueueCap {
		var ok bool
		if s.queue, ok = bus.DropOne(s.queue); ok {
			s.dropped++
			s.droppedAll++
			metrics.AddDroppedEvents(1)
		}
	}
	s.queue = append(s.queue, ev)
}

// take drains the queue and resets the per-batch dropped counter.
func (s *session) take() ([]models.Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.queue
	dropped := s.dropped
	s.queue = nil
	s.dropped = 0
	return events, dropped
}

func (s *session) droppedTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedAll
}

// writeLoop flushes one batch envelope per window. A write that cannot
// complete within the idle cutoff closes the session.
func (s *session) writeLoop(onExit func()) {
	defer onExit()
	ticker := time.NewTicker(s.cfg.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		events, dropped := s.take()
		if len(events) == 0 && dropped == 0 {
			continue
		}

		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleDisconnect))
		env := Envelope{
			Event:     "batch",
			Data:      Batch{Events: events, DroppedCount: dropped},
			Timestamp: time.Now().UTC(),
		}
		if err := s.conn.WriteJSON(env); err != nil {
			s.logger.Debug("batch write failed, closing subscriber", "session_id", s.id, "error", err)
			return
		}
	}
}

// readLoop consumes control frames and detects peer disconnects. Inbound
// data frames are ignored; the push channel is one-way.
func (s *session) readLoop(onExit func()) {
	defer onExit()
	s.conn.SetReadLimit(1024)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
