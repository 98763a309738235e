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

// Package local implements the Local adapter (spec.md §4.2): it
// launches a process on the host, grounded in the teacher's
// session/nsenter.go process-spawn-with-optional-pty pattern, minus
// the namespace-entering (nsenter is a remote-agent-specific
// behavior; a library dispatching locally simply execs the command).
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/execspec"
)

// errBufferOverflow is returned by boundedBuffer.Write once a stream
// exceeds its ceiling; io.Copy surfaces it back to the caller as a
// genuine write error instead of silently truncating.
var errBufferOverflow = errors.New("buffered output exceeds limit")

// DefaultMaxBufferedBytes is the spec.md §4.2 default (100 MiB).
const DefaultMaxBufferedBytes = 100 << 20

// DefaultGracePeriod is the spec.md §7 default two-phase-kill grace window.
const DefaultGracePeriod = 5 * time.Second

// Adapter dispatches ExecutionSpecs to a local child process.
type Adapter struct {
	MaxBufferedBytes int64
}

// New returns a ready-to-use local Adapter.
func New() *Adapter {
	return &Adapter{MaxBufferedBytes: DefaultMaxBufferedBytes}
}

func (a *Adapter) Tag() string  { return "local" }
func (a *Adapter) Close() error { return nil }

// Execute implements execspec.Adapter.
func (a *Adapter) Execute(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	argv, err := argvFor(spec)
	if err != nil {
		return execspec.ExecutionResult{}, err
	}

	maxBuf := a.MaxBufferedBytes
	if spec.MaxBufferedBytes > 0 {
		maxBuf = spec.MaxBufferedBytes
	}

	if spec.Sync {
		return a.executeSync(ctx, spec, argv)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.HasRunAsUser {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(spec.RunAsUID), Gid: uint32(spec.RunAsGID)}
	}

	stdoutBuf := newBoundedBuffer(maxBuf)
	stderrBuf := newBoundedBuffer(maxBuf)

	overflow := make(chan struct{}, 1)
	onOverflow := func() {
		select {
		case overflow <- struct{}{}:
		default:
		}
	}

	var master *os.File

	if spec.TTY {
		m, err := startWithPTY(cmd)
		if err != nil {
			return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "start pty").WithContext("command", spec.CommandLine)
		}

		master = m

		go copyWithSinks(master, stdoutBuf, spec.Stdout, chunkEmitter(spec.OnData, "stdout"), onOverflow)

		if spec.Stdin.Kind == execspec.StdinReader {
			go io.Copy(master, spec.Stdin.Reader)
		} else if spec.Stdin.Kind == execspec.StdinBytes {
			go func() { master.Write(spec.Stdin.Bytes) }()
		}
	} else {
		if err := wireStdio(cmd, spec, stdoutBuf, stderrBuf, onOverflow); err != nil {
			return execspec.ExecutionResult{}, err
		}

		if err := cmd.Start(); err != nil {
			return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "start process").WithContext("command", spec.CommandLine)
		}
	}

	started := time.Now()

	result := execspec.ExecutionResult{
		Command:   displayCommand(spec),
		StartedAt: started,
		Target:    execspec.Target{Adapter: "local"},
	}

	waitErr := a.wait(ctx, cmd, spec, master, overflow, maxBuf)
	result.EndedAt = time.Now()
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if e, ok := waitErr.(*errkit.Error); ok {
			e.PartialStdout = result.Stdout
			e.PartialStderr = result.Stderr
			result.Cause = e

			return result, e
		}

		result.Cause = waitErr

		return result, waitErr
	}

	result.ExitCode = cmd.ProcessState.ExitCode()
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		result.Signal = ws.Signal().String()
	}

	return result, nil
}

// executeSync implements spec.md §4.2's sync mode: no copy goroutines,
// no streaming, output captured straight into in-memory buffers via
// os/exec's own plumbing. The engine only selects this path when no
// stream sink or pipe is configured (pkg/engine/handle.go buildSpec).
func (a *Adapter) executeSync(ctx context.Context, spec execspec.ExecutionSpec, argv []string) (execspec.ExecutionResult, error) {
	runCtx := ctx

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.HasRunAsUser {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(spec.RunAsUID), Gid: uint32(spec.RunAsGID)}
	}

	switch spec.Stdin.Kind {
	case execspec.StdinBytes:
		cmd.Stdin = bytes.NewReader(spec.Stdin.Bytes)
	case execspec.StdinReader:
		cmd.Stdin = spec.Stdin.Reader
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()

	result := execspec.ExecutionResult{
		Command:   displayCommand(spec),
		StartedAt: started,
		Target:    execspec.Target{Adapter: "local"},
	}

	runErr := cmd.Run()
	result.EndedAt = time.Now()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			var e *errkit.Error
			if runCtx.Err() == context.DeadlineExceeded {
				e = errkit.New(errkit.KindTimeout, fmt.Sprintf("command exceeded timeout of %s", spec.Timeout))
			} else if ctx.Err() != nil {
				e = errkit.New(errkit.KindCancelled, "command cancelled")
			} else {
				e = errkit.Wrap(errkit.KindAdapter, runErr, "run process")
			}

			e = e.WithContext("command", spec.CommandLine)
			e.PartialStdout = result.Stdout
			e.PartialStderr = result.Stderr
			result.Cause = e

			return result, e
		}
	}

	result.ExitCode = cmd.ProcessState.ExitCode()
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		result.Signal = ws.Signal().String()
	}

	return result, nil
}

func (a *Adapter) wait(ctx context.Context, cmd *exec.Cmd, spec execspec.ExecutionSpec, master *os.File, overflow <-chan struct{}, maxBuf int64) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		if master != nil {
			master.Close()
		}

		if err != nil {
			if _, ok := err.(*exec.ExitError); ok {
				return nil // exit code handled by caller via ProcessState
			}

			return errkit.Wrap(errkit.KindAdapter, err, "wait process")
		}

		return nil
	case <-overflow:
		killProcessGroup(cmd, spec.GracePeriodOrDefault(), spec.KillSignal)
		<-done

		return errkit.New(errkit.KindAdapter, fmt.Sprintf("buffered output exceeded limit of %d bytes", maxBuf)).
			WithContext("command", spec.CommandLine)
	case <-timeoutC:
		killProcessGroup(cmd, spec.GracePeriodOrDefault(), spec.KillSignal)
		<-done

		return errkit.New(errkit.KindTimeout, fmt.Sprintf("command exceeded timeout of %s", spec.Timeout)).
			WithContext("command", spec.CommandLine)
	case <-ctx.Done():
		killProcessGroup(cmd, spec.GracePeriodOrDefault(), spec.KillSignal)
		<-done

		return errkit.New(errkit.KindCancelled, "command cancelled").
			WithContext("command", spec.CommandLine)
	}
}

func argvFor(spec execspec.ExecutionSpec) ([]string, error) {
	switch spec.Shell {
	case execspec.ShellDisabled:
		if len(spec.Argv) == 0 {
			return nil, errkit.New(errkit.KindValidation, "empty argv with shell disabled")
		}

		return spec.Argv, nil
	case execspec.ShellNamed:
		shellPath := spec.ShellPath
		if shellPath == "" {
			shellPath = "/bin/sh"
		}

		return []string{shellPath, "-c", spec.CommandLine}, nil
	default:
		shellPath := os.Getenv("SHELL")
		if shellPath == "" {
			shellPath = "/bin/sh"
		}

		return []string{shellPath, "-c", spec.CommandLine}, nil
	}
}

func displayCommand(spec execspec.ExecutionSpec) string {
	if spec.Shell == execspec.ShellDisabled {
		return strings.Join(spec.Argv, " ")
	}

	return spec.CommandLine
}

func mergedEnv(overrides map[string]string) []string {
	base := os.Environ()
	merged := make(map[string]string, len(base)+len(overrides))

	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}

	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}

	return out
}

func wireStdio(cmd *exec.Cmd, spec execspec.ExecutionSpec, stdoutBuf, stderrBuf *boundedBuffer, onOverflow func()) error {
	switch spec.Stdin.Kind {
	case execspec.StdinBytes:
		cmd.Stdin = bytes.NewReader(spec.Stdin.Bytes)
	case execspec.StdinReader:
		cmd.Stdin = spec.Stdin.Reader
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "stdout pipe")
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return errkit.Wrap(errkit.KindAdapter, err, "stderr pipe")
	}

	go copyWithSinks(stdoutPipe, stdoutBuf, spec.Stdout, chunkEmitter(spec.OnData, "stdout"), onOverflow)
	go copyWithSinks(stderrPipe, stderrBuf, spec.Stderr, chunkEmitter(spec.OnData, "stderr"), onOverflow)

	return nil
}

// chunkEmitter adapts the spec-level OnData hook (stream name + chunk)
// into the per-reader onData callback copyWithSinks expects, or nil
// when the spec carries no hook.
func chunkEmitter(onData func(stream string, chunk []byte), stream string) func([]byte) {
	if onData == nil {
		return nil
	}

	return func(chunk []byte) { onData(stream, chunk) }
}

// chunkWriter tees every chunk written through it to onData before (or
// regardless of whether) the underlying write succeeds, so command:data
// events fire for output delivered through any sink kind.
type chunkWriter struct {
	w      io.Writer
	onData func([]byte)
}

func (c chunkWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.onData(append([]byte(nil), p[:n]...))
	}

	return n, err
}

// copyWithSinks drains r into buf (bounded; overflow invokes
// onOverflow and aborts the copy) and, per sink.Kind, tees it to the
// caller's stream/file/callback destination. onData, when non-nil, is
// invoked once per chunk actually accepted into buf, independent of
// sink.Kind, to drive command:data event emission.
func copyWithSinks(r io.Reader, buf *boundedBuffer, sink execspec.Sink, onData func([]byte), onOverflow func()) {
	bufw := io.Writer(buf)
	if onData != nil {
		bufw = chunkWriter{w: bufw, onData: onData}
	}

	switch sink.Kind {
	case execspec.SinkStream, execspec.SinkFile:
		if sink.Writer != nil {
			if _, err := io.Copy(io.MultiWriter(bufw, sink.Writer), r); errors.Is(err, errBufferOverflow) {
				onOverflow()
			}

			return
		}
	case execspec.SinkCallback:
		if sink.Callback != nil {
			chunk := make([]byte, 32*1024)
			for {
				n, rerr := r.Read(chunk)
				if n > 0 {
					if _, werr := bufw.Write(chunk[:n]); werr != nil {
						onOverflow()
						return
					}

					sink.Callback(append([]byte(nil), chunk[:n]...))
				}

				if rerr != nil {
					return
				}
			}
		}
	case execspec.SinkIgnore:
		io.Copy(io.Discard, r)
		return
	}

	if _, err := io.Copy(bufw, r); errors.Is(err, errBufferOverflow) {
		onOverflow()
	}
}

func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// killProcessGroup sends a gentle signal to the whole process group,
// waits grace, then escalates to SIGKILL — the teacher's
// sessionutil.KillProcessGroup generalized from nsenter-specific
// cleanup into the engine's two-phase-kill policy (spec.md §5/§7).
func killProcessGroup(cmd *exec.Cmd, grace time.Duration, killSignal string) {
	if cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid

	sig := syscall.SIGTERM
	if killSignal != "" {
		if s, ok := signalByName(killSignal); ok {
			sig = s
		}
	}

	syscall.Kill(-pgid, sig)

	time.Sleep(grace)
	syscall.Kill(-pgid, syscall.SIGKILL)
}

func signalByName(name string) (syscall.Signal, bool) {
	switch strings.ToUpper(name) {
	case "SIGTERM", "TERM":
		return syscall.SIGTERM, true
	case "SIGINT", "INT":
		return syscall.SIGINT, true
	case "SIGHUP", "HUP":
		return syscall.SIGHUP, true
	case "SIGKILL", "KILL":
		return syscall.SIGKILL, true
	default:
		return 0, false
	}
}

// boundedBuffer caps accumulated bytes per spec.md §4.2: exceeding the
// ceiling fails the adapter after the process has been signalled to
// stop, rather than growing unbounded.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int64
	overLim bool
}

func newBoundedBuffer(max int64) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overLim {
		return len(p), errBufferOverflow
	}

	if int64(b.buf.Len())+int64(len(p)) > b.max {
		b.overLim = true
		room := b.max - int64(b.buf.Len())
		if room > 0 {
			b.buf.Write(p[:room])
		}

		return len(p), errBufferOverflow
	}

	return b.buf.Write(p)
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]byte(nil), b.buf.Bytes()...)
}
