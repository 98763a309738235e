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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
	"github.com/omniexec/omniexec/pkg/execspec"
)

// flakyAdapter fails Execute with a retryable ConnectionError the first
// failTimes calls, then succeeds, for exercising CommandHandle.Retry.
type flakyAdapter struct {
	failTimes int64
	attempts  *int64
}

func (a *flakyAdapter) Tag() string  { return "flaky" }
func (a *flakyAdapter) Close() error { return nil }

func (a *flakyAdapter) Execute(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	n := atomic.AddInt64(a.attempts, 1)
	if n <= a.failTimes {
		return execspec.ExecutionResult{}, errkit.New(errkit.KindConnection, "connection refused")
	}

	return execspec.ExecutionResult{ExitCode: 0}, nil
}

func TestExecLocalSuccess(t *testing.T) {
	e := New()

	result, err := e.Exec("echo %s", "hello").Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v, want nil", err)
	}

	if string(result.Stdout) != "hello\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}

	if !result.OK() {
		t.Errorf("OK() = false, want true for %+v", result)
	}
}

func TestNoThrowOnNonZeroExit(t *testing.T) {
	e := New()

	result, err := e.Exec("exit 42").NoThrow().Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v, want nil under NoThrow", err)
	}

	if result.OK() {
		t.Error("OK() = true, want false for a non-zero exit")
	}

	if result.ExitCode != 42 {
		t.Errorf("ExitCode = %d, want 42", result.ExitCode)
	}
}

func TestThrowsCommandErrorByDefault(t *testing.T) {
	e := New()

	_, err := e.Exec("exit 7").Await(context.Background())
	if err == nil {
		t.Fatal("Await() err = nil, want a CommandError")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok {
		t.Fatalf("err type = %T, want *errkit.Error", err)
	}

	if kerr.Kind != errkit.KindCommand {
		t.Errorf("Kind = %s, want %s", kerr.Kind, errkit.KindCommand)
	}

	if kerr.ExitCode == nil || *kerr.ExitCode != 7 {
		t.Errorf("ExitCode = %v, want 7", kerr.ExitCode)
	}
}

func TestTimeoutKillsLongRunningCommand(t *testing.T) {
	e := New()

	start := time.Now()

	_, err := e.Exec("sleep 5").Timeout(100 * time.Millisecond).Await(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Await() err = nil, want a TimeoutError")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok || kerr.Kind != errkit.KindTimeout {
		t.Fatalf("err = %v, want a TimeoutError", err)
	}

	if elapsed > 6*time.Second {
		t.Errorf("elapsed = %s, want well under the 5s sleep duration", elapsed)
	}
}

func TestNegativeTimeoutIsValidationError(t *testing.T) {
	e := New()

	_, err := e.Exec("echo hi").Timeout(-time.Second).Await(context.Background())
	if err == nil {
		t.Fatal("Await() err = nil, want a ValidationError")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok || kerr.Kind != errkit.KindValidation {
		t.Fatalf("err = %v, want a ValidationError", err)
	}
}

func TestAwaitIsIdempotentAndMemoized(t *testing.T) {
	e := New()

	h := e.Exec("echo %s", "once")

	r1, err1 := h.Await(context.Background())
	r2, err2 := h.Await(context.Background())

	if err1 != nil || err2 != nil {
		t.Fatalf("Await() errs = %v, %v, want nil", err1, err2)
	}

	if string(r1.Stdout) != string(r2.Stdout) {
		t.Errorf("repeated Await() returned different stdout: %q vs %q", r1.Stdout, r2.Stdout)
	}
}

func TestConcurrentAwaitDispatchesOnce(t *testing.T) {
	e := New()

	h := e.Exec("echo %s", "race")

	var wg sync.WaitGroup

	results := make([]string, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			r, err := h.Await(context.Background())
			if err != nil {
				t.Errorf("Await() err = %v", err)
				return
			}

			results[i] = string(r.Stdout)
		}(i)
	}

	wg.Wait()

	for i, got := range results {
		if got != "race\n" {
			t.Errorf("results[%d] = %q, want %q", i, got, "race\n")
		}
	}
}

func TestModifierOnStartedHandleIsRejectedAndNoop(t *testing.T) {
	e := New()

	h := e.Exec("echo hi")
	atomic.StoreInt32(&h.state, int32(StateStarted))

	h.Quiet()

	if h.quiet {
		t.Error("Quiet() mutated a handle that already transitioned past Built")
	}

	if h.preErr == nil {
		t.Fatal("preErr = nil after modifying a started handle, want a ValidationError recorded")
	}

	if kerr, ok := h.preErr.(*errkit.Error); !ok || kerr.Kind != errkit.KindValidation {
		t.Errorf("preErr = %v, want a ValidationError", h.preErr)
	}
}

func TestModifierBeforeDispatchSurfacesAsAwaitError(t *testing.T) {
	e := New()

	h := e.Exec("echo hi")
	atomic.StoreInt32(&h.state, int32(StateStarted))
	h.Quiet() // records preErr while still Built-equivalent for run()'s purposes

	atomic.StoreInt32(&h.state, int32(StateBuilt))

	_, err := h.Await(context.Background())
	if err == nil {
		t.Fatal("Await() err = nil, want the recorded preErr to surface")
	}
}

func TestEngineModifiersDoNotMutateParent(t *testing.T) {
	base := New().Env(map[string]string{"FOO": "base"})
	derived := base.Env(map[string]string{"FOO": "derived"})

	if base.env["FOO"] != "base" {
		t.Errorf("base.env[FOO] = %q, want %q (parent must be unaffected by child Env call)", base.env["FOO"], "base")
	}

	if derived.env["FOO"] != "derived" {
		t.Errorf("derived.env[FOO] = %q, want %q", derived.env["FOO"], "derived")
	}
}

func TestCdDoesNotMutateParent(t *testing.T) {
	base := New().Cd("/tmp")
	derived := base.Cd("/var")

	if base.cwd != "/tmp" {
		t.Errorf("base.cwd = %q, want /tmp", base.cwd)
	}

	if derived.cwd != "/var" {
		t.Errorf("derived.cwd = %q, want /var", derived.cwd)
	}
}

func TestEnvMergeEmptyValueRemovesKey(t *testing.T) {
	got := mergeEnv(map[string]string{"A": "1", "B": "2"}, map[string]string{"A": ""})

	if _, ok := got["A"]; ok {
		t.Error("mergeEnv retained A, want it removed by the empty-value override")
	}

	if got["B"] != "2" {
		t.Errorf("got[B] = %q, want 2", got["B"])
	}
}

func TestCacheHitAvoidsSecondDispatch(t *testing.T) {
	e := New()

	var starts int64

	unsub := e.Bus().On(func(ev eventbus.Event) {
		if ev.Name == eventbus.CommandStart {
			atomic.AddInt64(&starts, 1)
		}
	})
	defer unsub()

	policy := CachePolicy{Enabled: true, Key: "k1"}

	h1 := e.Exec("sh -c %s", "echo -n $RANDOM").Cache(policy)

	r1, err := h1.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v", err)
	}

	h2 := e.Exec("sh -c %s", "echo -n $RANDOM").Cache(policy)

	r2, err := h2.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v", err)
	}

	if string(r1.Stdout) != string(r2.Stdout) {
		t.Errorf("cached stdout differs: %q vs %q, want identical", r1.Stdout, r2.Stdout)
	}

	if r2.CachedAt == nil {
		t.Error("second result CachedAt = nil, want populated on a cache hit")
	}

	if got := atomic.LoadInt64(&starts); got != 2 {
		t.Errorf("command:start emitted %d times, want 2 (one per handle; cache hit skips the adapter but not the start event)", got)
	}
}

func TestCacheSingleFlightCollapsesConcurrentAwaits(t *testing.T) {
	e := New()

	policy := CachePolicy{Enabled: true, Key: "sf-key"}

	var wg sync.WaitGroup

	outputs := make([]string, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			h := e.Exec("sh -c %s", "sleep 0.05; echo -n $RANDOM").Cache(policy)

			r, err := h.Await(context.Background())
			if err != nil {
				t.Errorf("Await() err = %v", err)
				return
			}

			outputs[i] = string(r.Stdout)
		}(i)
	}

	wg.Wait()

	for i, got := range outputs {
		if got != outputs[0] {
			t.Errorf("outputs[%d] = %q, want %q (all single-flighted callers share one result)", i, got, outputs[0])
		}
	}
}

func TestPipeConnectsSourceStdoutToTargetStdin(t *testing.T) {
	e := New()

	src := e.Exec("printf %s", "a\\nb\\nc")
	dst := e.Exec("wc -l")

	piped := src.Pipe(dst)

	result, err := piped.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v", err)
	}

	got := string(result.Stdout)
	if got != "2\n" && got != "       2\n" {
		t.Errorf("piped wc -l output = %q, want a count reflecting 2 newlines", got)
	}
}

func TestPipeIntoSelfIsValidationError(t *testing.T) {
	e := New()

	h := e.Exec("echo hi")

	got := h.Pipe(h)

	_, err := got.Await(context.Background())
	if err == nil {
		t.Fatal("Await() err = nil, want ValidationError for self-pipe")
	}

	if kerr, ok := err.(*errkit.Error); !ok || kerr.Kind != errkit.KindValidation {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestPipeIntoStartedHandleIsValidationError(t *testing.T) {
	e := New()

	target := e.Exec("cat")
	atomic.StoreInt32(&target.state, int32(StateStarted))

	source := e.Exec("echo hi")

	got := source.Pipe(target)
	if got != target {
		t.Fatal("Pipe() into an already-started handle must still return that handle")
	}

	if target.preErr == nil {
		t.Fatal("target.preErr = nil, want a ValidationError recorded for piping into a started handle")
	}
}

func TestPipeSurfacesSourceFailureAsAggregateErrorWhenTargetSucceeds(t *testing.T) {
	e := New()

	src := e.Exec("sh -c %s", "echo partial; exit 3")
	dst := e.Exec("cat")

	piped := src.Pipe(dst)

	result, err := piped.Await(context.Background())
	if err == nil {
		t.Fatal("Await() err = nil, want an AggregateError surfacing the failed source")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok || kerr.Kind != errkit.KindAggregate {
		t.Fatalf("err = %v, want an AggregateError", err)
	}

	if len(kerr.Errors) != 1 {
		t.Fatalf("kerr.Errors = %v, want exactly one underlying cause", kerr.Errors)
	}

	if string(result.Stdout) != "partial\n" {
		t.Errorf("target Stdout = %q, want the source's output to have reached it", result.Stdout)
	}
}

func TestSyncRejectsStreamSink(t *testing.T) {
	e := New()

	var buf strings.Builder

	_, err := e.Exec("echo hi").Sync().Stdout(&buf).Await(context.Background())
	if err == nil {
		t.Fatal("Await() err = nil, want a ValidationError combining Sync with a stream sink")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok || kerr.Kind != errkit.KindValidation {
		t.Errorf("err = %v, want a ValidationError", err)
	}
}

func TestSyncExecutesSuccessfully(t *testing.T) {
	e := New()

	result, err := e.Exec("echo %s", "sync-mode").Sync().Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v", err)
	}

	if string(result.Stdout) != "sync-mode\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "sync-mode\n")
	}
}

func TestStreamLinesDeliversOutputIncrementally(t *testing.T) {
	e := New()

	h := e.Exec("printf %s", "a\\nb\\nc\\n")

	stream, err := h.Stream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("Stream() err = %v", err)
	}

	var got []string
	for line := range stream.Lines() {
		got = append(got, line)
	}

	if _, err := stream.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() err = %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamStopTerminatesCommandEarly(t *testing.T) {
	e := New()

	h := e.Exec("sh -c %s", "i=0; while [ $i -lt 100 ]; do echo $i; i=$((i+1)); sleep 0.05; done")

	stream, err := h.Stream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("Stream() err = %v", err)
	}

	<-stream.Lines()

	start := time.Now()
	stream.Stop()
	stream.Stop() // Stop must be idempotent

	_, err = stream.Wait(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Wait() err = nil, want a CancelledError once Stop terminates the command early")
	}

	// killProcessGroup sleeps the full default grace period (5s) before
	// escalating to SIGKILL regardless of how quickly SIGTERM lands, so
	// this only bounds against Stop failing to fire at all.
	if elapsed > 8*time.Second {
		t.Errorf("elapsed = %s after Stop(), want the command killed within the default grace window", elapsed)
	}
}

func TestCommandDataEventsEmittedDuringRun(t *testing.T) {
	e := New()

	var chunks int64

	unsub := e.Bus().On(func(ev eventbus.Event) {
		if ev.Name == eventbus.CommandData {
			atomic.AddInt64(&chunks, 1)
		}
	})
	defer unsub()

	_, err := e.Exec("echo hi").Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v", err)
	}

	if atomic.LoadInt64(&chunks) == 0 {
		t.Error("no command:data events observed, want at least one per captured chunk")
	}
}

func TestRetryRetriesConnectionErrorsUpToMaxAttempts(t *testing.T) {
	e := New()

	var attempts int64

	h := e.Exec("echo hi")
	h.engine.adapter = &flakyAdapter{failTimes: 2, attempts: &attempts}

	policy := errkit.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Strategy:     errkit.StrategyLinear,
	}

	result, err := h.Retry(policy).Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v, want success after retries", err)
	}

	if !result.OK() {
		t.Errorf("result.OK() = false, want true once the flaky adapter recovers")
	}

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3 (2 failures + 1 success)", got)
	}
}

func TestTextLinesJsonHelpers(t *testing.T) {
	e := New()

	text, err := e.Exec("echo %s", "hi there").Text(context.Background())
	if err != nil {
		t.Fatalf("Text() err = %v", err)
	}

	if text != "hi there" {
		t.Errorf("Text() = %q, want %q", text, "hi there")
	}

	lines, err := e.Exec("printf %s", "a\\nb\\nc\\n").Lines(context.Background())
	if err != nil {
		t.Fatalf("Lines() err = %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(lines) != len(want) {
		t.Fatalf("Lines() = %v, want %v", lines, want)
	}

	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, lines[i], want[i])
		}
	}

	var v map[string]any
	if err := e.Exec(`echo %s`, `{"a":1}`).Json(context.Background(), &v); err != nil {
		t.Fatalf("Json() err = %v", err)
	}

	if v["a"].(float64) != 1 {
		t.Errorf("Json() decoded %v, want a=1", v)
	}
}
