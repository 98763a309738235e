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

package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestEmitDeliversToSubscriber(t *testing.T) {
	b := New()

	received := make(chan Event, 1)
	b.On(func(ev Event) { received <- ev })

	b.Emit(Event{Name: CommandStart, Command: "echo hi"})

	select {
	case ev := <-received:
		if ev.Name != CommandStart || ev.Command != "echo hi" {
			t.Errorf("got %+v, want CommandStart/echo hi", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0

	unsubscribe := b.On(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Emit(Event{Name: CommandStart})
	unsubscribe()
	b.Emit(Event{Name: CommandStart})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("count = %d, want 1 (second Emit should not have been delivered)", count)
	}
}

func TestEmitNeverBlocksOnAFullSubscriber(t *testing.T) {
	b := New()

	block := make(chan struct{})
	b.On(func(Event) { <-block })

	done := make(chan struct{})

	go func() {
		for i := 0; i < ringCapacity+10; i++ {
			b.Emit(Event{Name: CommandData})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber queue")
	}

	close(block)

	if b.DroppedEvents() == 0 {
		t.Errorf("DroppedEvents() = 0, want at least one dropped event")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	wg.Add(2)

	b.On(func(Event) { wg.Done() })
	b.On(func(Event) { wg.Done() })

	b.Emit(Event{Name: CommandComplete})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the event")
	}
}
