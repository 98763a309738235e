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

package engine

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omniexec/omniexec/pkg/cache"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
	"github.com/omniexec/omniexec/pkg/execspec"
	"github.com/omniexec/omniexec/pkg/streamio"
)

// State is a CommandHandle's position in its one-shot lifecycle.
type State int32

const (
	StateBuilt State = iota
	StateStarted
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateSettled:
		return "settled"
	default:
		return "built"
	}
}

// CommandHandle is a single, awaitable command dispatch. It is built by
// Engine.Exec/Raw, refined by chainable modifiers while in StateBuilt,
// and carried exactly once through StateStarted to StateSettled by
// Await — concurrent or repeated Await calls all observe the same
// memoized outcome (spec.md §8 invariant 1).
type CommandHandle struct {
	engine      *Engine
	commandLine string
	argv        []string
	useArgv     bool
	sync        bool

	// nested holds *CommandHandle arguments deferred out of template
	// interpolation; quoteFn is the quoting function (quoteArg or
	// identity) chosen by whichever of Exec/Raw built this handle,
	// applied to each nested handle's output at resolution time.
	nested  []nestedSub
	quoteFn func(string) string

	state int32

	stopMu      sync.Mutex
	cancelRunFn context.CancelFunc

	hasCwd bool
	cwd    string
	env    map[string]string

	hasTimeout bool
	timeout    time.Duration
	killSignal string

	retry       *errkit.RetryPolicy
	cachePolicy *CachePolicy

	stdinSource execspec.StdinSource
	stdoutSink  execspec.Sink
	stderrSink  execspec.Sink

	quiet       bool
	verbose     bool
	noThrow     bool
	interactive bool
	tty         bool

	pipeFrom   *CommandHandle
	pipeWriter *io.PipeWriter

	stdoutPipeWriter *io.PipeWriter
	stderrPipeWriter *io.PipeWriter

	preErr error

	once   sync.Once
	result execspec.ExecutionResult
	err    error
	done   chan struct{}
}

func (h *CommandHandle) checkMutable() bool {
	if atomic.LoadInt32(&h.state) != int32(StateBuilt) {
		if h.preErr == nil {
			h.preErr = errkit.New(errkit.KindValidation, "command handle already started; cannot modify")
		}

		return false
	}

	return true
}

// State reports the handle's current lifecycle position.
func (h *CommandHandle) State() State { return State(atomic.LoadInt32(&h.state)) }

// Done returns a channel closed once the handle has settled, for
// callers that want to wait on several handles with a select.
func (h *CommandHandle) Done() <-chan struct{} { return h.done }

// Argv switches this handle to an un-interpreted argument vector,
// bypassing shell quoting/parsing entirely (ShellDisabled).
func (h *CommandHandle) Argv(argv ...string) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.argv = argv
	h.useArgv = true

	return h
}

// Quiet suppresses the engine's command/output echo for this handle.
func (h *CommandHandle) Quiet() *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.quiet = true

	return h
}

// Verbose makes the engine log the command line and captured output at
// info level as it runs.
func (h *CommandHandle) Verbose() *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.verbose = true

	return h
}

// NoThrow makes a non-zero exit resolve the handle normally instead of
// settling it with a CommandError.
func (h *CommandHandle) NoThrow() *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.noThrow = true

	return h
}

// Timeout overrides the engine's default timeout for this command. A
// zero duration disables the timeout; negative durations are rejected
// at Await time as a ValidationError.
func (h *CommandHandle) Timeout(d time.Duration, killSignal ...string) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.hasTimeout = true
	h.timeout = d

	if len(killSignal) > 0 {
		h.killSignal = killSignal[0]
	}

	return h
}

// Retry overrides the engine's default retry policy for this command.
func (h *CommandHandle) Retry(policy errkit.RetryPolicy) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.retry = &policy

	return h
}

// Sync opts this command into the Local adapter's low-overhead
// synchronous execution path (spec.md §4.2): no copy goroutines, no
// chunked streaming. Rejected at dispatch time with a ValidationError
// if a stream sink or Pipe is also configured.
func (h *CommandHandle) Sync() *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.sync = true

	return h
}

// Cache opts this command into the shared result cache.
func (h *CommandHandle) Cache(policy CachePolicy) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.cachePolicy = &policy

	return h
}

// Cwd overrides the engine's default working directory for this command.
func (h *CommandHandle) Cwd(path string) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.hasCwd = true
	h.cwd = path

	return h
}

// Env merges vars into this command's environment, on top of the
// engine's default environment.
func (h *CommandHandle) Env(vars map[string]string) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.env = mergeEnv(h.env, vars)

	return h
}

// Stdin sets the command's input source to a fixed byte slice.
func (h *CommandHandle) Stdin(data []byte) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.stdinSource = execspec.StdinSource{Kind: execspec.StdinBytes, Bytes: data}

	return h
}

// StdinFrom sets the command's input source to an arbitrary reader.
func (h *CommandHandle) StdinFrom(r io.Reader) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.stdinSource = execspec.StdinSource{Kind: execspec.StdinReader, Reader: r}

	return h
}

// Stdout tees stdout to w in addition to the buffered result.
func (h *CommandHandle) Stdout(w io.Writer) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.stdoutSink = execspec.Sink{Kind: execspec.SinkStream, Writer: w}

	return h
}

// Stderr tees stderr to w in addition to the buffered result.
func (h *CommandHandle) Stderr(w io.Writer) *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.stderrSink = execspec.Sink{Kind: execspec.SinkStream, Writer: w}

	return h
}

// Interactive attaches the command's stdio to the current process's
// stdio and allocates a pseudo-terminal, for commands meant to be
// driven by a human at the controlling terminal.
func (h *CommandHandle) Interactive() *CommandHandle {
	if !h.checkMutable() {
		return h
	}

	h.interactive = true
	h.tty = true

	if h.stdinSource.Kind == execspec.StdinNone {
		h.stdinSource = execspec.StdinSource{Kind: execspec.StdinReader, Reader: os.Stdin}
	}

	if h.stdoutSink.Kind == execspec.SinkPipe && h.stdoutSink.Writer == nil {
		h.stdoutSink = execspec.Sink{Kind: execspec.SinkStream, Writer: os.Stdout}
	}

	if h.stderrSink.Kind == execspec.SinkPipe && h.stderrSink.Writer == nil {
		h.stderrSink = execspec.Sink{Kind: execspec.SinkStream, Writer: os.Stderr}
	}

	return h
}

// StreamOptions configures incremental delivery of output as it is
// produced, rather than only once the command settles. OnStderr is an
// optional side callback; stdout is always delivered through the
// returned LiveStream's Lines().
type StreamOptions struct {
	OnStderr func(line string)
	// Raw delivers chunks as they arrive instead of splitting on lines.
	Raw bool
}

// LiveStream is a live view onto a CommandHandle dispatched via
// Stream: Lines() yields stdout as it arrives and Stop requests the
// underlying command terminate early (spec.md §4.1/§4.7). Stop is
// idempotent and safe to call from any goroutine.
type LiveStream struct {
	handle   *CommandHandle
	lines    chan string
	stopOnce sync.Once
}

// Lines returns a channel of stdout lines (or raw chunks, if Raw was
// set) as they arrive, closed once the command settles.
func (s *LiveStream) Lines() <-chan string { return s.lines }

// Wait blocks until the underlying command settles and returns its result.
func (s *LiveStream) Wait(ctx context.Context) (execspec.ExecutionResult, error) {
	return s.handle.Await(ctx)
}

// Stop signals the underlying command to terminate early: the
// dispatch context is cancelled, which the adapter turns into the same
// two-phase kill-signal-then-SIGKILL sequence used for a timeout.
func (s *LiveStream) Stop() {
	s.stopOnce.Do(func() { s.handle.cancelRun() })
}

// Stream dispatches h in the background against ctx and returns a
// LiveStream for incremental consumption, rather than blocking the
// caller until the command settles the way Await does.
func (h *CommandHandle) Stream(ctx context.Context, opts StreamOptions) (*LiveStream, error) {
	if !h.checkMutable() {
		return nil, h.preErr
	}

	lines := make(chan string, 256)

	h.stdoutSink, h.stdoutPipeWriter = h.lineSink(lines, opts.Raw)

	if opts.OnStderr != nil {
		h.stderrSink, h.stderrPipeWriter = h.callbackSink(opts.OnStderr, opts.Raw)
	}

	stream := &LiveStream{handle: h, lines: lines}

	go func() {
		h.Await(ctx)
		close(lines)
	}()

	return stream, nil
}

func (h *CommandHandle) cancelRun() {
	h.stopMu.Lock()
	cancel := h.cancelRunFn
	h.stopMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// lineSink feeds lines (or raw chunks) into ch as they arrive. Once h
// settles — including via LiveStream.Stop — h.done closes and the
// underlying PipeLines read loop stops; it cannot itself signal the
// producing command (streamio.PipeLines has no notion of one), so
// terminating the command early is LiveStream.Stop's job, not this
// loop's.
func (h *CommandHandle) lineSink(ch chan<- string, raw bool) (execspec.Sink, *io.PipeWriter) {
	if raw {
		return execspec.Sink{Kind: execspec.SinkCallback, Callback: func(chunk []byte) {
			select {
			case ch <- string(chunk):
			case <-h.done:
			}
		}}, nil
	}

	pr, pw := io.Pipe()

	go func() {
		streamio.PipeLines(pr, func(line string) bool {
			select {
			case ch <- line:
				return true
			case <-h.done:
				return false
			}
		})
	}()

	return execspec.Sink{Kind: execspec.SinkCallback, Callback: func(chunk []byte) { pw.Write(chunk) }}, pw
}

func (h *CommandHandle) callbackSink(onLine func(string), raw bool) (execspec.Sink, *io.PipeWriter) {
	if raw {
		return execspec.Sink{Kind: execspec.SinkCallback, Callback: func(chunk []byte) { onLine(string(chunk)) }}, nil
	}

	pr, pw := io.Pipe()

	go func() {
		streamio.PipeLines(pr, func(line string) bool {
			onLine(line)
			return true
		})
	}()

	return execspec.Sink{Kind: execspec.SinkCallback, Callback: func(chunk []byte) { pw.Write(chunk) }}, pw
}

// Pipe connects this handle's stdout to target's stdin and returns
// target, so target.Await() observes this command's output as its
// input once both are dispatched concurrently. Piping into the handle
// itself, or into a handle that has already started, fails target with
// a ValidationError instead of deadlocking.
func (h *CommandHandle) Pipe(target *CommandHandle) *CommandHandle {
	if target == h {
		h.preErr = errkit.New(errkit.KindValidation, "cannot pipe a command into itself")
		return h
	}

	if atomic.LoadInt32(&target.state) != int32(StateBuilt) {
		target.preErr = errkit.New(errkit.KindValidation, "cannot pipe into an already-started command")
		return target
	}

	pr, pw := io.Pipe()
	h.stdoutSink = execspec.Sink{Kind: execspec.SinkStream, Writer: pw}
	target.stdinSource = execspec.StdinSource{Kind: execspec.StdinReader, Reader: pr}
	target.pipeFrom = h
	target.pipeWriter = pw

	return target
}

// Await dispatches the command exactly once, blocking until it
// settles; subsequent calls (concurrent or sequential) return the same
// memoized result without re-dispatching.
func (h *CommandHandle) Await(ctx context.Context) (execspec.ExecutionResult, error) {
	h.once.Do(func() { h.run(ctx) })
	return h.result, h.err
}

func (h *CommandHandle) run(ctx context.Context) {
	defer close(h.done)

	atomic.StoreInt32(&h.state, int32(StateStarted))

	e := h.engine

	runCtx, cancel := mergeContexts(ctx, e.abortCtx)
	defer cancel()

	h.stopMu.Lock()
	h.cancelRunFn = cancel
	h.stopMu.Unlock()

	if h.preErr != nil {
		h.err = h.preErr
		h.settle("", false)

		return
	}

	if err := h.resolveNested(runCtx); err != nil {
		h.err = err
		h.settle("", false)

		return
	}

	var pipeSourceDone chan error

	if h.pipeFrom != nil {
		pipeSourceDone = make(chan error, 1)

		go func() {
			_, srcErr := h.pipeFrom.Await(runCtx)
			h.pipeWriter.Close()
			pipeSourceDone <- srcErr
		}()
	}

	spec, err := h.buildSpec()
	if err != nil {
		h.err = err
		h.settle("", false)

		return
	}

	display := displayFor(spec)
	masked := e.mask.Mask(display)

	if !h.quiet {
		logger.Debugf("$ %s", masked)
	}

	if h.verbose {
		logger.Infof("$ %s", masked)
	}

	e.bus.Emit(eventbus.Event{Name: eventbus.CommandStart, Command: masked})

	spec.OnData = func(stream string, chunk []byte) {
		e.bus.Emit(eventbus.Event{
			Name:    eventbus.CommandData,
			Command: masked,
			Fields:  map[string]any{"stream": stream, "bytes": len(chunk)},
		})
	}

	cacheKey := ""
	cachePolicy := e.defaultCache
	if h.cachePolicy != nil {
		cachePolicy = *h.cachePolicy
	}

	cachePut := cachePolicyOverride(cachePolicy)

	run := func() (execspec.ExecutionResult, error) { return h.runWithRetry(runCtx, spec, masked) }

	var result execspec.ExecutionResult

	if cachePolicy.Enabled {
		cacheKey = cachePolicy.Key
		if cacheKey == "" {
			cacheKey = e.adapterTag + "|" + spec.Dir + "|" + display
		}

		if cached, ok := e.store.Get(cacheKey); ok {
			e.bus.Emit(eventbus.Event{Name: eventbus.CacheHit, Command: masked})

			now := time.Now()
			cached.CachedAt = &now
			h.result = cached
			h.settle(masked, true)

			return
		}

		e.bus.Emit(eventbus.Event{Name: eventbus.CacheMiss, Command: masked})

		result, err, _ = e.store.GetOrCompute(cacheKey, run, cachePut...)
	} else {
		result, err = run()
	}

	if pipeSourceDone != nil {
		if srcErr := <-pipeSourceDone; srcErr != nil && err == nil {
			err = errkit.AggregateError("piped source command failed while target succeeded", srcErr).
				WithContext("command", masked)
		}
	}

	h.result = result
	h.err = err

	h.settle(masked, false)
}

// cachePolicyOverride translates a CachePolicy's TTL/Condition into a
// per-call cache.Policy, or nil when neither overrides the store's
// defaults, preserving the store's normal variadic call sites.
func cachePolicyOverride(p CachePolicy) []cache.Policy {
	if p.TTL <= 0 && p.Condition == nil {
		return nil
	}

	override := cache.Policy{Admit: p.Condition}

	if p.TTL > 0 {
		ttl := p.TTL
		override.TTL = &ttl
	}

	return []cache.Policy{override}
}

// resolveNested awaits every *CommandHandle argument deferred by
// template interpolation and substitutes its trimmed, quoted output
// into h.commandLine, exactly once, at dispatch time — never at
// construction (spec.md §3/§9).
func (h *CommandHandle) resolveNested(ctx context.Context) error {
	if len(h.nested) == 0 {
		return nil
	}

	line := h.commandLine

	for _, n := range h.nested {
		result, err := n.handle.Await(ctx)
		if err != nil {
			return errkit.Wrap(errkit.KindValidation, err, "interpolated command failed")
		}

		sub := h.quoteFn(strings.TrimRight(string(result.Stdout), "\r\n"))
		line = strings.Replace(line, n.token, sub, 1)
	}

	h.commandLine = line

	return nil
}

func (h *CommandHandle) settle(maskedCommand string, fromCache bool) {
	e := h.engine

	if h.stdoutPipeWriter != nil {
		h.stdoutPipeWriter.Close()
	}

	if h.stderrPipeWriter != nil {
		h.stderrPipeWriter.Close()
	}

	if h.verbose && !fromCache {
		logger.Infof("stdout: %s", string(h.result.Stdout))
		logger.Infof("stderr: %s", string(h.result.Stderr))
	}

	if h.err != nil {
		e.bus.Emit(eventbus.Event{
			Name:    eventbus.CommandError,
			Command: maskedCommand,
			Fields:  map[string]any{"error": h.err.Error(), "adapter": e.adapterTag},
		})
	} else {
		e.bus.Emit(eventbus.Event{
			Name:    eventbus.CommandComplete,
			Command: maskedCommand,
			Fields:  map[string]any{"exit_code": h.result.ExitCode, "adapter": e.adapterTag},
		})
	}

	atomic.StoreInt32(&h.state, int32(StateSettled))
}

// runWithRetry dispatches spec to the engine's adapter, retrying
// according to the handle's (or else the engine's) RetryPolicy, and
// converting a non-zero exit into a *errkit.Error unless NoThrow was set.
func (h *CommandHandle) runWithRetry(ctx context.Context, spec execspec.ExecutionSpec, display string) (execspec.ExecutionResult, error) {
	policy := h.engine.retryPolicy
	if h.retry != nil {
		policy = *h.retry
	}

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var result execspec.ExecutionResult

	var runErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, runErr = h.engine.adapter.Execute(ctx, spec)

		if runErr == nil {
			if h.noThrow || result.OK() {
				return result, nil
			}

			runErr = errkit.Enhance(errkit.CommandError(result.ExitCode, display))
		} else if e, ok := runErr.(*errkit.Error); ok {
			runErr = errkit.Enhance(e)
		}

		if !policy.ShouldRetry(runErr, attempt) {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, runErr)
		}

		delay := policy.Delay(attempt)

		timer := time.NewTimer(delay)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, errkit.Wrap(errkit.KindCancelled, ctx.Err(), "cancelled during retry backoff")
		}
	}

	return result, runErr
}

func (h *CommandHandle) buildSpec() (execspec.ExecutionSpec, error) {
	e := h.engine

	cwd := e.cwd
	if h.hasCwd {
		cwd = h.cwd
	}

	env := mergeEnv(e.env, h.env)

	timeout := e.timeout
	if h.hasTimeout {
		timeout = h.timeout
	}

	if timeout < 0 {
		return execspec.ExecutionSpec{}, errkit.New(errkit.KindValidation, "timeout must not be negative")
	}

	if h.sync && (h.stdoutSink.Kind != execspec.SinkPipe || h.stderrSink.Kind != execspec.SinkPipe || h.pipeFrom != nil) {
		return execspec.ExecutionSpec{}, errkit.New(errkit.KindValidation, "sync mode is incompatible with a stream sink or pipe")
	}

	spec := execspec.ExecutionSpec{
		Dir:         cwd,
		Env:         env,
		Stdout:      h.stdoutSink,
		Stderr:      h.stderrSink,
		Stdin:       h.stdinSource,
		Interactive: h.interactive,
		TTY:         h.tty,
		Timeout:     timeout,
		KillSignal:  h.killSignal,
		Sync:        h.sync,
	}

	if h.useArgv {
		spec.Shell = execspec.ShellDisabled
		spec.Argv = h.argv
	} else {
		spec.Shell = e.shellPolicy
		spec.ShellPath = e.shellPath
		spec.CommandLine = h.commandLine
	}

	return spec, nil
}

func displayFor(spec execspec.ExecutionSpec) string {
	if spec.Shell == execspec.ShellDisabled {
		return strings.Join(spec.Argv, " ")
	}

	return spec.CommandLine
}
