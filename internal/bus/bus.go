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

// Package bus is the in-process event fan-out. Events are delivered to each
// sink in publish order, which preserves FIFO per job id; cross-job ordering
// is not guaranteed to observers that drop. Each sink owns a bounded inbox
// drained by its own goroutine, so a slow sink never blocks a fast one.
package bus

import (
	"sync"
	"time"

	"alephauto/pkg/models"
)

// DefaultSinkCap bounds a sink inbox unless the subscriber asks otherwise.
const DefaultSinkCap = 256

// Bus fans job lifecycle events out to registered sinks.
type Bus struct {
	mu    sync.RWMutex
	sinks map[int]*sink
	next  int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{sinks: make(map[int]*sink)}
}

// Publish stamps and delivers ev to every sink. Delivery is best-effort:
// a full inbox sheds load per DropOne, never blocking the publisher.
func (b *Bus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.enqueue(ev)
	}
}

// Subscribe registers fn as a sink with a bounded inbox and returns an
// unsubscribe func. Sinks for core components register at startup; push
// broadcaster sessions subscribe dynamically.
func (b *Bus) Subscribe(name string, capacity int, fn func(models.Event)) func() {
	if capacity <= 0 {
		capacity = DefaultSinkCap
	}
	s := &sink{name: name, cap: capacity, fn: fn}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	id := b.next
	b.next++
	b.sinks[id] = s
	b.mu.Unlock()

	go s.drain()

	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
		s.close()
	}
}

// sink is one subscriber with its inbox and drain goroutine.
type sink struct {
	name string
	cap  int
	fn   func(models.Event)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []models.Event
	dropped int
	closed  bool
}

func (s *sink) enqueue(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.cap {
		var ok bool
		if s.queue, ok = DropOne(s.queue); ok {
			s.dropped++
		}
		// When everything queued is critical the inbox may exceed its cap;
		// job:failed and retry:exhausted are never shed.
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *sink) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(ev)
	}
}

func (s *sink) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Dropped returns how many events this sink has shed.
func (s *sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// DropOne removes the most expendable event from queue under overflow:
// the oldest job:progress first, then the oldest pipeline:status, then the
// oldest other non-critical event. Critical events are never dropped; when
// only critical events remain it returns the queue unchanged and false.
func DropOne(queue []models.Event) ([]models.Event, bool) {
	for _, name := range []string{models.EventJobProgress, models.EventPipelineStatus} {
		for i, ev := range queue {
			if ev.Name == name {
				return append(queue[:i:i], queue[i+1:]...), true
			}
		}
	}
	for i, ev := range queue {
		if !ev.Critical() {
			return append(queue[:i:i], queue[i+1:]...), true
		}
	}
	return queue, false
}
