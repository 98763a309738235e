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

	"github.com/omniexec/omniexec/pkg/adapter/pod"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
)

// OpenPodForward listens on localAddr and forwards every accepted
// connection to podPort inside the pod targeted by adapter, via the
// Kubernetes portforward subresource. bus may be nil.
func OpenPodForward(ctx context.Context, adapter *pod.Adapter, localAddr string, podPort int, bus *eventbus.Bus) (*Handle, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, errkit.Wrap(errkit.KindTunnel, err, "listen for pod forward").WithContext("local_addr", localAddr)
	}

	h := &Handle{direction: Local, listener: ln, bus: bus, closed: make(chan struct{})}
	h.emit(eventbus.TunnelOpen, map[string]any{"local_addr": localAddr, "pod_port": podPort})

	h.wg.Add(1)

	go func() {
		defer h.wg.Done()
		acceptLoop(h, ln, func(conn net.Conn) {
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if err := adapter.PortForward(connCtx, podPort, conn); err != nil {
				logger.Warnf("pod forward to port %d failed: %v", podPort, err)
				h.emit(eventbus.TunnelError, map[string]any{"error": err.Error()})
			}
		})
	}()

	return h, nil
}
