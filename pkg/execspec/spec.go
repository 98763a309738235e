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

// Package execspec defines the single ExecutionSpec/ExecutionResult
// contract every adapter consumes, per spec.md §9's "cross-environment
// semantic equivalence" design note: adapters handle transport only
// and never interpret semantics such as retry or caching.
package execspec

import (
	"context"
	"io"
	"time"
)

// ShellPolicy selects how the command line is interpreted.
type ShellPolicy int

const (
	ShellDefault ShellPolicy = iota
	ShellNamed
	ShellDisabled
)

// Sink describes where adapter output should go.
type SinkKind int

const (
	SinkPipe SinkKind = iota // buffered and returned on ExecutionResult
	SinkInherit
	SinkIgnore
	SinkStream // delivered chunk-by-chunk to Writer
	SinkFile
	SinkCallback
)

// Sink is a destination for stdout or stderr.
type Sink struct {
	Kind     SinkKind
	Writer   io.Writer          // SinkFile / SinkStream
	Callback func(chunk []byte) // SinkCallback
}

// StdinSource describes where adapter input should come from.
type StdinSourceKind int

const (
	StdinNone StdinSourceKind = iota
	StdinBytes
	StdinReader
)

type StdinSource struct {
	Kind   StdinSourceKind
	Bytes  []byte
	Reader io.Reader
}

// Target identifies the concrete endpoint a command was run against,
// populated into ExecutionResult for observability.
type Target struct {
	Adapter   string // "local", "ssh", "container", "pod"
	Host      string
	Container string
	Pod       string
	Namespace string
}

// ExecutionSpec is the fully-merged description of one invocation,
// built by the engine from context + per-call overrides and handed to
// exactly one Adapter.Execute call.
type ExecutionSpec struct {
	// Argv is the literal argument vector when Shell is ShellDisabled;
	// otherwise CommandLine is a single already-quoted shell command
	// string.
	Argv        []string
	CommandLine string
	Shell       ShellPolicy
	ShellPath   string // used when Shell == ShellNamed

	Dir string
	Env map[string]string

	Stdout Sink
	Stderr Sink
	Stdin  StdinSource

	Interactive bool
	TTY         bool

	Timeout      time.Duration
	KillSignal   string
	GracePeriod  time.Duration
	RunAsUID     int
	RunAsGID     int
	HasRunAsUser bool

	// MaxBufferedBytes bounds SinkPipe buffering per stream; 0 means
	// use the adapter default.
	MaxBufferedBytes int64

	// Sync requests the Local adapter's low-overhead blocking execution
	// path (spec.md §4.2): no copy goroutines, no streaming. Only
	// honored when Stdout/Stderr are both SinkPipe and no pipe source
	// is attached; other adapters ignore it.
	Sync bool

	// OnData, when set, is invoked once per chunk of stdout/stderr
	// actually captured, so the engine can emit command:data events
	// without interpreting sink semantics itself.
	OnData func(stream string, chunk []byte)
}

// ExecutionResult is what every adapter returns on completion.
type ExecutionResult struct {
	Command   string
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Signal    string
	StartedAt time.Time
	EndedAt   time.Time
	Target    Target
	Cause     error
	CachedAt  *time.Time
}

// DefaultGracePeriod is used when a spec doesn't set GracePeriod.
const DefaultGracePeriod = 5 * time.Second

// GracePeriodOrDefault returns s.GracePeriod, or DefaultGracePeriod when unset.
func (s ExecutionSpec) GracePeriodOrDefault() time.Duration {
	if s.GracePeriod > 0 {
		return s.GracePeriod
	}

	return DefaultGracePeriod
}

// Duration is EndedAt - StartedAt.
func (r ExecutionResult) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// OK reports the boolean predicate from spec.md §3:
// exitCode==0 ∧ signal==none ∧ cause==none.
func (r ExecutionResult) OK() bool {
	return r.ExitCode == 0 && r.Signal == "" && r.Cause == nil
}

// Adapter is the pluggable transport every execution context
// implements. Adapters are forbidden from interpreting retry/cache
// semantics; that lives entirely in the engine.
type Adapter interface {
	// Execute runs spec to completion (or until ctx is done) and
	// returns a result. A non-zero exit is reported via ExitCode, not
	// as a Go error; transport failures are returned as *errkit.Error.
	Execute(ctx context.Context, spec ExecutionSpec) (ExecutionResult, error)
	// Tag identifies the adapter for events/results, e.g. "local".
	Tag() string
	// Close releases any adapter-owned resources (pooled connections,
	// clients). Safe to call multiple times.
	Close() error
}
