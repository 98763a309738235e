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

// Package sshadapter implements the SSH adapter (spec.md §4.3):
// command execution over a pooled *ssh.Client, grounded in the
// teacher's session/sshd.go (ssh.Dial, PTY request, stdio pipes,
// exit-status wait) generalized from the agent's self-dial-localhost
// pattern into dialing arbitrary remote hosts, plus file transfer via
// github.com/pkg/sftp.
package sshadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/sftp"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/execspec"
	"github.com/omniexec/omniexec/pkg/sshpool"
)

var logger = logutil.GetLogger("sshadapter")

// HostConfig identifies the remote endpoint and credentials for a
// single Target; the engine resolves one per .Ssh(...) modifier call.
type HostConfig struct {
	Host       string
	Port       int
	User       string
	Signer     ssh.Signer
	Password   string
	HostKeyCB  ssh.HostKeyCallback
	SudoPolicy SudoPolicy
}

// SudoPolicy controls privilege escalation on the remote host.
type SudoPolicy struct {
	Enabled      bool
	Password     string // masked in events/error context, never logged raw
	NoPasswdOK   bool
}

// PoolKey exposes the pool key this HostConfig dials into, for callers
// that maintain their own host registry keyed the same way (the engine's
// Ssh modifier does this to resolve a Dialer callback across hosts).
func (h HostConfig) PoolKey() sshpool.Key { return h.poolKey() }

func (h HostConfig) poolKey() sshpool.Key {
	fp := "agent"
	if h.Signer != nil {
		fp = string(h.Signer.PublicKey().Marshal())
	} else if h.Password != "" {
		fp = "password"
	}

	return sshpool.Key{Host: h.Host, Port: h.Port, User: h.User, AuthFingerprint: fp}
}

// Adapter dispatches ExecutionSpecs over pooled SSH connections.
type Adapter struct {
	pool *sshpool.Pool
	host HostConfig
}

// New returns an Adapter bound to host, sharing connections through pool.
func New(pool *sshpool.Pool, host HostConfig) *Adapter {
	return &Adapter{pool: pool, host: host}
}

// NewPool builds a pool whose Dialer dials via golang.org/x/crypto/ssh
// using per-key HostConfig credentials resolved by resolve.
func NewPool(resolve func(sshpool.Key) (HostConfig, error), opts sshpool.Options) *sshpool.Pool {
	dial := func(ctx context.Context, key sshpool.Key) (*ssh.Client, error) {
		hc, err := resolve(key)
		if err != nil {
			return nil, err
		}

		config := &ssh.ClientConfig{
			User:            hc.User,
			HostKeyCallback: hc.HostKeyCB,
			Timeout:         10 * time.Second,
		}

		if config.HostKeyCallback == nil {
			config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		}

		if hc.Signer != nil {
			config.Auth = append(config.Auth, ssh.PublicKeys(hc.Signer))
		}

		if hc.Password != "" {
			config.Auth = append(config.Auth, ssh.Password(hc.Password))
		}

		addr := net.JoinHostPort(hc.Host, strconv.Itoa(hc.Port))

		d := net.Dialer{Timeout: config.Timeout}

		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}

		cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			return nil, err
		}

		return ssh.NewClient(cconn, chans, reqs), nil
	}

	return sshpool.New(dial, opts)
}

func (a *Adapter) Tag() string  { return "ssh" }
func (a *Adapter) Close() error { return nil }

// Execute implements execspec.Adapter.
func (a *Adapter) Execute(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	key := a.host.poolKey()

	client, err := a.pool.Acquire(ctx, key)
	if err != nil {
		return execspec.ExecutionResult{}, err
	}

	broken := false
	defer func() { a.pool.Release(key, client, broken) }()

	session, err := client.NewSession()
	if err != nil {
		broken = true

		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindConnection, err, "open ssh session").
			WithContext("host", a.host.Host)
	}
	defer session.Close()

	if spec.TTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}

		if err := session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
			logger.Warnf("ssh pty request failed: %v", err)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "ssh stdin pipe")
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "ssh stdout pipe")
	}

	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "ssh stderr pipe")
	}

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	go func() {
		defer close(stdoutDone)

		sink := sinkWriter(spec.Stdout, &stdoutBuf)
		io.Copy(sink, stdoutPipe)
	}()

	go func() {
		defer close(stderrDone)

		sink := sinkWriter(spec.Stderr, &stderrBuf)
		io.Copy(sink, stderrPipe)
	}()

	cmdline := commandLine(spec, a.host.SudoPolicy)

	if spec.Stdin.Kind == execspec.StdinBytes {
		go func() { stdinPipe.Write(spec.Stdin.Bytes); stdinPipe.Close() }()
	} else if spec.Stdin.Kind == execspec.StdinReader {
		go func() { io.Copy(stdinPipe, spec.Stdin.Reader); stdinPipe.Close() }()
	}

	if a.host.SudoPolicy.Enabled && a.host.SudoPolicy.Password != "" {
		go func() { fmt.Fprintf(stdinPipe, "%s\n", a.host.SudoPolicy.Password) }()
	}

	if err := session.Start(cmdline); err != nil {
		broken = true

		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "ssh session start").
			WithContext("command", spec.CommandLine)
	}

	started := time.Now()

	result := execspec.ExecutionResult{
		Command:   spec.CommandLine,
		StartedAt: started,
		Target:    execspec.Target{Adapter: "ssh", Host: a.host.Host},
	}

	exitCode, waitErr := a.wait(ctx, session, spec, stdoutDone, stderrDone)
	result.EndedAt = time.Now()
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.Bytes()
	result.ExitCode = exitCode

	if waitErr != nil {
		if e, ok := waitErr.(*errkit.Error); ok {
			broken = e.Kind == errkit.KindTimeout || e.Kind == errkit.KindCancelled
			e.PartialStdout = result.Stdout
			e.PartialStderr = result.Stderr
			result.Cause = e

			return result, e
		}

		result.Cause = waitErr

		return result, waitErr
	}

	return result, nil
}

// wait blocks until the remote command exits, the spec's timeout
// fires, or ctx is cancelled, returning the resolved exit code.
func (a *Adapter) wait(ctx context.Context, session *ssh.Session, spec execspec.ExecutionSpec, stdoutDone, stderrDone chan struct{}) (int, error) {
	done := make(chan error, 1)

	go func() {
		<-stdoutDone
		<-stderrDone
		done <- session.Wait()
	}()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return exitErr.ExitStatus(), nil
			}

			return 0, errkit.Wrap(errkit.KindAdapter, err, "ssh session wait")
		}

		return 0, nil
	case <-timeoutC:
		session.Signal(ssh.SIGTERM)
		time.Sleep(spec.GracePeriodOrDefault())
		session.Close()
		<-done

		return 0, errkit.New(errkit.KindTimeout, fmt.Sprintf("command exceeded timeout of %s", spec.Timeout))
	case <-ctx.Done():
		session.Close()
		<-done

		return 0, errkit.New(errkit.KindCancelled, "command cancelled")
	}
}

func commandLine(spec execspec.ExecutionSpec, sudo SudoPolicy) string {
	cmd := spec.CommandLine

	if sudo.Enabled {
		if sudo.NoPasswdOK {
			return "sudo -n -- " + cmd
		}

		return "sudo -S -p '' -- " + cmd
	}

	return cmd
}

func sinkWriter(sink execspec.Sink, buf io.Writer) io.Writer {
	switch sink.Kind {
	case execspec.SinkStream, execspec.SinkFile:
		if sink.Writer != nil {
			return io.MultiWriter(buf, sink.Writer)
		}
	case execspec.SinkIgnore:
		return io.Discard
	}

	return buf
}

// UploadFile copies local to remote over SFTP. When atomic is true the
// file is written to a sibling temp path and renamed into place so a
// concurrent reader never observes a partial write.
func UploadFile(client *ssh.Client, local, remote string, atomic bool) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "open sftp client")
	}
	defer sc.Close()

	src, err := os.Open(local)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "open local file")
	}
	defer src.Close()

	target := remote
	if atomic {
		target = remote + ".omniexec-tmp"
	}

	dst, err := sc.Create(target)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "create remote file")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errkit.Wrap(errkit.KindAdapter, err, "copy to remote file")
	}

	if err := dst.Close(); err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "close remote file")
	}

	if atomic {
		if err := sc.Rename(target, remote); err != nil {
			return errkit.Wrap(errkit.KindAdapter, err, "rename remote file into place")
		}
	}

	return nil
}

// DownloadFile copies remote to local over SFTP.
func DownloadFile(client *ssh.Client, remote, local string) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "open sftp client")
	}
	defer sc.Close()

	src, err := sc.Open(remote)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "open remote file")
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "create local file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "copy from remote file")
	}

	return nil
}

// UploadDir recursively uploads localDir's contents to remoteDir.
func UploadDir(client *ssh.Client, localDir, remoteDir string) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "open sftp client")
	}
	defer sc.Close()

	if err := sc.MkdirAll(remoteDir); err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "mkdir remote dir")
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "read local dir")
	}

	for _, entry := range entries {
		localPath := path.Join(localDir, entry.Name())
		remotePath := path.Join(remoteDir, entry.Name())

		if entry.IsDir() {
			if err := UploadDir(client, localPath, remotePath); err != nil {
				return err
			}

			continue
		}

		if err := UploadFile(client, localPath, remotePath, false); err != nil {
			return err
		}
	}

	return nil
}
