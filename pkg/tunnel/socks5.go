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
	"context"
	"net"

	"github.com/armon/go-socks5"
	"golang.org/x/crypto/ssh"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
)

// OpenDynamic listens on localAddr as a SOCKS5 proxy (the "ssh -D"
// pattern): every CONNECT request is satisfied by dialing the target
// through client. UDP ASSOCIATE is intentionally unsupported, matching
// armon/go-socks5's own CONNECT-only default and spec.md's tunnel
// subsystem, which only requires stream forwarding. bus may be nil.
func OpenDynamic(client *ssh.Client, localAddr string, bus *eventbus.Bus) (*Handle, error) {
	server, err := socks5.New(&socks5.Config{
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			return client.Dial(network, addr)
		},
	})
	if err != nil {
		return nil, errkit.Wrap(errkit.KindTunnel, err, "build socks5 server")
	}

	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, errkit.Wrap(errkit.KindTunnel, err, "listen for dynamic forward").WithContext("local_addr", localAddr)
	}

	h := &Handle{direction: Dynamic, listener: ln, bus: bus, closed: make(chan struct{})}
	h.emit(eventbus.TunnelOpen, map[string]any{"local_addr": localAddr})

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		if err := server.Serve(ln); err != nil {
			select {
			case <-h.closed:
			default:
				logger.Warnf("socks5 serve error: %v", err)
				h.emit(eventbus.TunnelError, map[string]any{"error": err.Error()})
			}
		}
	}()

	return h, nil
}
