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
	"time"

	"github.com/gorilla/websocket"

	"github.com/omniexec/omniexec/pkg/eventbus"
)

// ControlChannel is a side-band connection used to detect a dead
// remote forward faster than TCP keepalive would — the same
// ping/pong liveness check the teacher's websocket session transport
// uses to notice a stalled peer (backend/handler.go's SetPongHandler
// plus a periodic ping ticker), repurposed here to watch a remote
// forward's reachability rather than an exec session's.
type ControlChannel struct {
	conn     *websocket.Conn
	interval time.Duration
	timeout  time.Duration
}

// NewControlChannel wires pong-deadline bookkeeping onto conn and
// returns a ControlChannel ready to Run.
func NewControlChannel(conn *websocket.Conn, interval, timeout time.Duration) *ControlChannel {
	c := &ControlChannel{conn: conn, interval: interval, timeout: timeout}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.timeout))
	})

	return c
}

// Run pings the peer every interval until h is closed or a ping
// write / pong deadline fails, at which point it closes h so the
// forward's accept loop unwinds rather than serving a dead route.
func (c *ControlChannel) Run(h *Handle) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))

	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.interval)); err != nil {
				logger.Warnf("tunnel control channel ping failed, closing forward: %v", err)
				h.emit(eventbus.TunnelError, map[string]any{"error": err.Error()})
				h.Close()

				return
			}
		}
	}
}
