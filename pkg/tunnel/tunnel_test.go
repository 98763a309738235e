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

package tunnel

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/omniexec/omniexec/pkg/eventbus"
)

// startEchoServer starts a tiny TCP server that upper-cases each line
// it receives, standing in for the "remote service" in a local-forward
// round trip (spec.md §8 scenario S7).
func startEchoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()

				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					fmt.Fprintf(c, "echo:%s\n", scanner.Text())
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestOpenLocalRoundTrip(t *testing.T) {
	srv := startTestSSHServer(t)
	client := srv.dialClient(t)

	remoteAddr := startEchoServer(t)

	bus := eventbus.New()
	events := make(chan eventbus.Event, 8)
	bus.On(func(e eventbus.Event) {
		if e.Name == eventbus.TunnelOpen {
			events <- e
		}
	})

	h, err := OpenLocal(client, "127.0.0.1:0", remoteAddr, bus)
	if err != nil {
		t.Fatalf("OpenLocal() err = %v", err)
	}

	defer h.Close()

	select {
	case e := <-events:
		if e.Name != eventbus.TunnelOpen {
			t.Errorf("event name = %v, want TunnelOpen", e.Name)
		}
	case <-time.After(time.Second):
		t.Error("did not receive tunnel:open event")
	}

	localAddr := h.LocalAddr().String()

	conn, err := net.Dial("tcp", localAddr)
	if err != nil {
		t.Fatalf("dial local forward: %v", err)
	}

	fmt.Fprintf(conn, "hello\n")

	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read through forward: %v", err)
	}

	if line != "echo:hello\n" {
		t.Errorf("read %q through the forward, want %q", line, "echo:hello\n")
	}

	conn.Close()
}

func TestCloseStopsAcceptingAndDrainsCopies(t *testing.T) {
	srv := startTestSSHServer(t)
	client := srv.dialClient(t)

	remoteAddr := startEchoServer(t)

	bus := eventbus.New()
	closes := make(chan eventbus.Event, 8)
	bus.On(func(e eventbus.Event) {
		if e.Name == eventbus.TunnelClose {
			closes <- e
		}
	})

	h, err := OpenLocal(client, "127.0.0.1:0", remoteAddr, bus)
	if err != nil {
		t.Fatalf("OpenLocal() err = %v", err)
	}

	localAddr := h.LocalAddr().String()

	if err := h.Close(); err != nil {
		t.Fatalf("Close() err = %v", err)
	}

	select {
	case <-closes:
	case <-time.After(time.Second):
		t.Error("did not receive tunnel:close event")
	}

	// A second Close must be a no-op, not a panic or block.
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() err = %v", err)
	}

	if _, err := net.DialTimeout("tcp", localAddr, 500*time.Millisecond); err == nil {
		t.Error("dial succeeded after Close(), want connection refused")
	}
}

func TestStatsTracksBytesCopied(t *testing.T) {
	srv := startTestSSHServer(t)
	client := srv.dialClient(t)

	remoteAddr := startEchoServer(t)

	h, err := OpenLocal(client, "127.0.0.1:0", remoteAddr, nil)
	if err != nil {
		t.Fatalf("OpenLocal() err = %v", err)
	}

	defer h.Close()

	conn, err := net.Dial("tcp", h.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial local forward: %v", err)
	}

	fmt.Fprintf(conn, "stats\n")

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read through forward: %v", err)
	}

	conn.Close()

	time.Sleep(50 * time.Millisecond)

	bytesIn, bytesOut := h.Stats()
	if bytesIn == 0 || bytesOut == 0 {
		t.Errorf("Stats() = (%d, %d), want both directions to have copied bytes", bytesIn, bytesOut)
	}
}
