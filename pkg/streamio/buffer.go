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

// Package streamio implements omniexec's stream and pipe engine
// (spec.md §4.7): chunk delivery, line iteration with backpressure,
// cross-handle piping and fan-out tee.
package streamio

import (
	"bytes"
	"io"
	"sync"
)

// ChunkBuffer bridges a push producer (an adapter copying bytes off a
// process/channel) to a pull io.Reader consumer, blocking reads until
// data is available instead of returning io.EOF early. This is the
// teacher's trust-tunnel-client BlockingBuffer generalized into a
// reusable primitive used by every adapter's stdout/stderr plumbing.
type ChunkBuffer struct {
	mu     sync.Mutex
	read   *bytes.Buffer
	write  *bytes.Buffer
	signal chan struct{}
	closed bool
}

// NewChunkBuffer returns an empty, open ChunkBuffer.
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{
		read:   bytes.NewBuffer(nil),
		write:  bytes.NewBuffer(nil),
		signal: make(chan struct{}, 1),
	}
}

// Write implements io.Writer; it never blocks the producer.
func (b *ChunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}

	n, err := b.write.Write(p)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}

	return n, err
}

// Read implements io.Reader, blocking until data is available or the
// buffer is closed.
func (b *ChunkBuffer) Read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		n, err := b.read.Read(p)
		closed := b.closed
		b.mu.Unlock()

		if err != io.EOF || n > 0 {
			return n, err
		}

		if closed {
			return 0, io.EOF
		}

		if _, ok := <-b.signal; !ok {
			return 0, io.EOF
		}

		b.mu.Lock()
		b.read.Reset()
		b.read, b.write = b.write, bytes.NewBuffer(nil)
		b.mu.Unlock()
	}
}

// Close marks the buffer closed: pending reads drain what's buffered,
// then observe io.EOF. Idempotent.
func (b *ChunkBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	// Fold any unread writes into the read buffer so a reader blocked
	// on the signal channel still observes them before EOF.
	b.read.Write(b.write.Bytes())
	b.write.Reset()
	b.closed = true
	b.mu.Unlock()

	close(b.signal)

	return nil
}
