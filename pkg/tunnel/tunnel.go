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

// Package tunnel implements the tunnel subsystem (spec.md §4.6): local
// and remote TCP forwarding and dynamic SOCKS5 forwarding over an SSH
// connection, plus Kubernetes pod port-forwarding. The teacher has no
// tunnel subsystem of its own (its websocket transport carries exec
// streams only); the forwarding loops here follow the idiomatic
// golang.org/x/crypto/ssh pattern of Listen/Accept/Dial/io.Copy used
// across the wider Go ecosystem, wired to the pooled connections
// sshpool already manages.
package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
)

var logger = logutil.GetLogger("tunnel")

// Direction distinguishes local ("-L") from remote ("-R") forwards.
type Direction int

const (
	Local Direction = iota
	Remote
	Dynamic
)

// Handle represents one open tunnel. Close is idempotent and drains
// in-flight copy loops before returning.
type Handle struct {
	direction Direction
	listener  net.Listener
	bus       *eventbus.Bus
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	bytesIn  int64
	bytesOut int64
}

func (h *Handle) directionLabel() string {
	switch h.direction {
	case Remote:
		return "remote"
	case Dynamic:
		return "dynamic"
	default:
		return "local"
	}
}

// emit reports a tunnel lifecycle event, a no-op when h carries no bus.
func (h *Handle) emit(name eventbus.Name, fields map[string]any) {
	if h.bus == nil {
		return
	}

	merged := map[string]any{"direction": h.directionLabel()}
	for k, v := range fields {
		merged[k] = v
	}

	h.bus.Emit(eventbus.Event{Name: name, Fields: merged})
}

// LocalAddr is the address the tunnel is listening on (the local
// forward's bind address, or the remote forward's requested
// remote-side listener address echoed back by the server).
func (h *Handle) LocalAddr() net.Addr {
	if h.listener != nil {
		return h.listener.Addr()
	}

	return nil
}

// Stats returns cumulative bytes copied in each direction.
func (h *Handle) Stats() (bytesIn, bytesOut int64) {
	return atomic.LoadInt64(&h.bytesIn), atomic.LoadInt64(&h.bytesOut)
}

// Close stops accepting new connections and waits for active copy
// loops to finish.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)

		if h.listener != nil {
			h.listener.Close()
		}
	})

	h.wg.Wait()

	h.emit(eventbus.TunnelClose, nil)

	return nil
}

// OpenLocal listens on localAddr and, for each accepted connection,
// dials remoteAddr through client and copies bytes bidirectionally —
// the "ssh -L" pattern. bus may be nil.
func OpenLocal(client *ssh.Client, localAddr, remoteAddr string, bus *eventbus.Bus) (*Handle, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, errkit.Wrap(errkit.KindTunnel, err, "listen for local forward").WithContext("local_addr", localAddr)
	}

	h := &Handle{direction: Local, listener: ln, bus: bus, closed: make(chan struct{})}
	h.emit(eventbus.TunnelOpen, map[string]any{"local_addr": localAddr, "remote_addr": remoteAddr})

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		acceptLoop(h, ln, func(conn net.Conn) {
			remote, err := client.Dial("tcp", remoteAddr)
			if err != nil {
				logger.Warnf("local forward dial %s failed: %v", remoteAddr, err)
				h.emit(eventbus.TunnelError, map[string]any{"error": err.Error()})
				conn.Close()

				return
			}

			pipe(h, conn, remote)
		})
	}()

	return h, nil
}

// OpenRemote asks the SSH server to listen on remoteAddr and forwards
// each accepted connection to localAddr on this side — the "ssh -R"
// pattern, using ssh.Client.Listen to drive the server's forwarded-tcpip
// channel type. bus may be nil.
func OpenRemote(client *ssh.Client, remoteAddr, localAddr string, bus *eventbus.Bus) (*Handle, error) {
	ln, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		return nil, errkit.Wrap(errkit.KindTunnel, err, "request remote forward").WithContext("remote_addr", remoteAddr)
	}

	h := &Handle{direction: Remote, listener: ln, bus: bus, closed: make(chan struct{})}
	h.emit(eventbus.TunnelOpen, map[string]any{"local_addr": localAddr, "remote_addr": remoteAddr})

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		acceptLoop(h, ln, func(conn net.Conn) {
			local, err := net.Dial("tcp", localAddr)
			if err != nil {
				logger.Warnf("remote forward dial %s failed: %v", localAddr, err)
				h.emit(eventbus.TunnelError, map[string]any{"error": err.Error()})
				conn.Close()

				return
			}

			pipe(h, conn, local)
		})
	}()

	return h, nil
}

func acceptLoop(h *Handle, ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-h.closed:
				return
			default:
				logger.Warnf("tunnel accept error: %v", err)
				h.emit(eventbus.TunnelError, map[string]any{"error": err.Error()})
				return
			}
		}

		h.wg.Add(1)

		go func() {
			defer h.wg.Done()
			handle(conn)
		}()
	}
}

// pipe copies bytes bidirectionally between a and b until either side
// closes, then closes both.
func pipe(h *Handle, a, b io.ReadWriteCloser) {
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		n, _ := io.Copy(b, a)
		atomic.AddInt64(&h.bytesOut, n)
	}()

	go func() {
		defer wg.Done()

		n, _ := io.Copy(a, b)
		atomic.AddInt64(&h.bytesIn, n)
	}()

	wg.Wait()
}

// CtxDialer adapts a *ssh.Client to the (context.Context, network,
// addr) dial signature go-socks5 and other ecosystem libraries expect.
type CtxDialer struct {
	Client *ssh.Client
}

func (d CtxDialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	return d.Client.Dial(network, addr)
}
