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
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal pure-Go sshd standing in for a real
// server in tunnel round-trip tests: it answers "direct-tcpip" channel
// opens by dialing the requested host:port locally and copying bytes,
// the same behavior OpenLocal's "ssh -L" pattern relies on.
type testSSHServer struct {
	addr     string
	listener net.Listener
	wg       sync.WaitGroup
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}

	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("signer from host key: %v", err)
	}

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &testSSHServer{addr: listener.Addr().String(), listener: listener}
	srv.wg.Add(1)

	go srv.acceptLoop(config)
	t.Cleanup(srv.stop)

	return srv
}

func (s *testSSHServer) acceptLoop(config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)

		go s.handleConn(conn, config)
	}
}

type directTCPIPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

func (s *testSSHServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		var payload directTCPIPPayload
		if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
			newChannel.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go ssh.DiscardRequests(requests)

		s.wg.Add(1)

		go s.forward(channel, fmt.Sprintf("%s:%d", payload.DestAddr, payload.DestPort))
	}
}

func (s *testSSHServer) forward(channel ssh.Channel, addr string) {
	defer s.wg.Done()
	defer channel.Close()

	target, err := net.Dial("tcp", addr)
	if err != nil {
		return
	}
	defer target.Close()

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		io.Copy(target, channel)
	}()

	go func() {
		defer wg.Done()

		io.Copy(channel, target)
	}()

	wg.Wait()
}

func (s *testSSHServer) stop() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *testSSHServer) dialClient(t *testing.T) *ssh.Client {
	t.Helper()

	cfg := &ssh.ClientConfig{
		User:            "tester",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := ssh.Dial("tcp", s.addr, cfg)
	if err != nil {
		t.Fatalf("dial test ssh server: %v", err)
	}

	t.Cleanup(func() { client.Close() })

	return client
}
