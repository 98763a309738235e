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

package sshpool

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal pure-Go SSH server for exercising Pool's
// dial/validate paths without a real sshd, the same technique as the
// pack's opal-lang-opal ssh_test_server.go trimmed to what the pool
// needs: a handshake target that answers global requests (validate's
// keepalive probe) and accepts no channels.
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

func (s *testSSHServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)
	go func() {
		for nc := range chans {
			nc.Reject(ssh.UnknownChannelType, "no channels in this test server")
		}
	}()

	sshConn.Wait()
}

func (s *testSSHServer) stop() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *testSSHServer) dial(user string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	return ssh.Dial("tcp", s.addr, cfg)
}

func dialerFor(s *testSSHServer) Dialer {
	return func(_ context.Context, key Key) (*ssh.Client, error) {
		return s.dial(key.User)
	}
}
