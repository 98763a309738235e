// Copyright The TrustTunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus implements the Engine's lifecycle event stream
// (spec.md §3 Events): command/connection/tunnel/cache notifications
// delivered to passive, non-blocking subscribers. Emission never
// blocks on a slow subscriber — excess events are dropped and counted,
// the same discipline the teacher's logutil.CmdLogger uses to avoid a
// slow log sink stalling command output processing.
package eventbus

import "sync"

// Name enumerates the event kinds from spec.md §3.
type Name string

const (
	CommandStart    Name = "command:start"
	CommandData     Name = "command:data"
	CommandComplete Name = "command:complete"
	CommandError    Name = "command:error"
	ConnectionOpen  Name = "connection:open"
	ConnectionReuse Name = "connection:reuse"
	ConnectionClose Name = "connection:close"
	ConnectionError Name = "connection:error"
	TunnelOpen      Name = "tunnel:open"
	TunnelClose     Name = "tunnel:close"
	TunnelError     Name = "tunnel:error"
	CacheHit        Name = "cache:hit"
	CacheMiss       Name = "cache:miss"
	CacheEvict      Name = "cache:evict"
)

// Event is one emission on the bus.
type Event struct {
	Name    Name
	Fields  map[string]any
	Command string // masked command text, when applicable
}

// Handler receives events; it must not block.
type Handler func(Event)

// ringCapacity bounds the per-subscriber queue.
const ringCapacity = 256

type subscriber struct {
	id      int
	ch      chan Event
	handler Handler
	done    chan struct{}
}

// Bus is a lock-free-to-emitters fan-out: Emit never blocks, even if a
// subscriber's handler is slow, because each subscriber owns a bounded
// channel and a dedicated goroutine draining it.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]*subscriber
	nextID    int
	drops     map[int]*int64
	dropsLock sync.Mutex
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[int]*subscriber),
		drops: make(map[int]*int64),
	}
}

// On registers handler for every event and returns an unsubscribe
// function.
func (b *Bus) On(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	s := &subscriber{
		id:      id,
		ch:      make(chan Event, ringCapacity),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.subs[id] = s

	var drops int64
	b.dropsLock.Lock()
	b.drops[id] = &drops
	b.dropsLock.Unlock()

	go s.run()

	return func() { b.unsubscribe(id) }
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.handler(ev)
		}
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(s.done)
	}
}

// Emit delivers ev to every subscriber, never blocking the caller. If
// a subscriber's queue is full, the event is dropped for that
// subscriber and its drop counter increments.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropsLock.Lock()
			*b.drops[id]++
			b.dropsLock.Unlock()
		}
	}
}

// DroppedEvents returns the total number of events dropped across all
// subscribers so far, surfaced in Engine stats per spec.md §5.
func (b *Bus) DroppedEvents() int64 {
	b.dropsLock.Lock()
	defer b.dropsLock.Unlock()

	var total int64
	for _, d := range b.drops {
		total += *d
	}

	return total
}
