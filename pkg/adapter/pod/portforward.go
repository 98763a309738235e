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

package pod

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/transport/spdy"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/errkit"
)

var logger = logutil.GetLogger("adapter-pod")

const portForwardProtocolV1 = "portforward.k8s.io"

// PortForward opens a port-forward stream to a, forwards opts.Port,
// and copies bytes bidirectionally between local and the pod until
// ctx is cancelled or a copy direction errors. Grounded on
// otterscale-otterscale-agent's runtime_repo.go PortForward: SPDY
// dial, error-stream/data-stream pair, wait-for-both-directions
// shutdown discipline.
func (a *Adapter) PortForward(ctx context.Context, port int, local io.ReadWriteCloser) error {
	transport, upgrader, err := spdy.RoundTripperFor(a.Config)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "create spdy round-tripper")
	}

	req := a.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(a.Pod).
		Namespace(a.Namespace).
		SubResource("portforward")

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	streamConn, _, err := dialer.Dial(portForwardProtocolV1)
	if err != nil {
		return errkit.Wrap(errkit.KindTunnel, err, "dial portforward stream").WithContext("pod", a.Pod)
	}
	defer streamConn.Close()

	portStr := strconv.Itoa(port)
	requestID := "0"

	errorHeaders := http.Header{}
	errorHeaders.Set(corev1.StreamType, corev1.StreamTypeError)
	errorHeaders.Set(corev1.PortHeader, portStr)
	errorHeaders.Set(corev1.PortForwardRequestIDHeader, requestID)

	errorStream, err := streamConn.CreateStream(errorHeaders)
	if err != nil {
		return errkit.Wrap(errkit.KindTunnel, err, "create portforward error stream")
	}
	defer errorStream.Close()

	dataHeaders := http.Header{}
	dataHeaders.Set(corev1.StreamType, corev1.StreamTypeData)
	dataHeaders.Set(corev1.PortHeader, portStr)
	dataHeaders.Set(corev1.PortForwardRequestIDHeader, requestID)

	dataStream, err := streamConn.CreateStream(dataHeaders)
	if err != nil {
		return errkit.Wrap(errkit.KindTunnel, err, "create portforward data stream")
	}
	defer dataStream.Close()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		buf := make([]byte, 1024)

		n, _ := errorStream.Read(buf)
		if n > 0 {
			logger.Warnf("kubelet reported port-forward error: %s", string(buf[:n]))
			dataStream.Close()
		}
	}()

	errCh := make(chan error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(dataStream, local)
		errCh <- err
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(local, dataStream)
		errCh <- err
	}()

	var firstErr error

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			streamConn.Close()
			wg.Wait()

			return ctx.Err()
		case err := <-errCh:
			if err != nil && firstErr == nil {
				firstErr = err
				streamConn.Close()
			}
		}
	}

	wg.Wait()

	return firstErr
}
