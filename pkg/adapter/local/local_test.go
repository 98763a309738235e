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

package local

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/execspec"
)

func TestExecuteCapturesStdoutAndExitCode(t *testing.T) {
	a := New()

	spec := execspec.ExecutionSpec{
		Shell:       execspec.ShellDefault,
		CommandLine: "echo -n hello",
		Stdout:      execspec.Sink{Kind: execspec.SinkPipe},
		Stderr:      execspec.Sink{Kind: execspec.SinkPipe},
	}

	result, err := a.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute() err = %v", err)
	}

	if string(result.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello")
	}

	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestExecuteBoundedBufferOverflowKillsProcessAndReturnsAdapterError(t *testing.T) {
	a := New()
	a.MaxBufferedBytes = 16

	spec := execspec.ExecutionSpec{
		Shell:       execspec.ShellDefault,
		CommandLine: "yes | head -c 1000000",
		Stdout:      execspec.Sink{Kind: execspec.SinkPipe},
		Stderr:      execspec.Sink{Kind: execspec.SinkPipe},
		GracePeriod: 10 * time.Millisecond,
	}

	start := time.Now()

	_, err := a.Execute(context.Background(), spec)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Execute() err = nil, want an AdapterError once buffered output exceeds the limit")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok || kerr.Kind != errkit.KindAdapter {
		t.Fatalf("err = %v, want an AdapterError", err)
	}

	if !strings.Contains(kerr.Message, "exceeded limit") {
		t.Errorf("Message = %q, want it to mention the exceeded limit", kerr.Message)
	}

	if elapsed > 5*time.Second {
		t.Errorf("elapsed = %s, want the process killed promptly after overflow", elapsed)
	}
}

func TestExecuteSyncModeRunsWithoutStreaming(t *testing.T) {
	a := New()

	spec := execspec.ExecutionSpec{
		Shell:       execspec.ShellDefault,
		CommandLine: "printf out; printf err 1>&2",
		Sync:        true,
		Stdout:      execspec.Sink{Kind: execspec.SinkPipe},
		Stderr:      execspec.Sink{Kind: execspec.SinkPipe},
	}

	result, err := a.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("Execute() err = %v", err)
	}

	if string(result.Stdout) != "out" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "out")
	}

	if string(result.Stderr) != "err" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "err")
	}
}

func TestExecuteSyncModeReportsTimeout(t *testing.T) {
	a := New()

	spec := execspec.ExecutionSpec{
		Shell:       execspec.ShellDefault,
		CommandLine: "sleep 5",
		Sync:        true,
		Timeout:     50 * time.Millisecond,
		Stdout:      execspec.Sink{Kind: execspec.SinkPipe},
		Stderr:      execspec.Sink{Kind: execspec.SinkPipe},
	}

	start := time.Now()

	_, err := a.Execute(context.Background(), spec)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Execute() err = nil, want a TimeoutError")
	}

	kerr, ok := err.(*errkit.Error)
	if !ok || kerr.Kind != errkit.KindTimeout {
		t.Fatalf("err = %v, want a TimeoutError", err)
	}

	if elapsed > 4*time.Second {
		t.Errorf("elapsed = %s, want well under the 5s sleep", elapsed)
	}
}

func TestExecuteEmitsDataChunksThroughOnData(t *testing.T) {
	a := New()

	var chunks []string

	spec := execspec.ExecutionSpec{
		Shell:       execspec.ShellDefault,
		CommandLine: "printf hello",
		Stdout:      execspec.Sink{Kind: execspec.SinkPipe},
		Stderr:      execspec.Sink{Kind: execspec.SinkPipe},
		OnData: func(stream string, chunk []byte) {
			if stream == "stdout" {
				chunks = append(chunks, string(chunk))
			}
		},
	}

	if _, err := a.Execute(context.Background(), spec); err != nil {
		t.Fatalf("Execute() err = %v", err)
	}

	if got := strings.Join(chunks, ""); got != "hello" {
		t.Errorf("chunks joined = %q, want %q", got, "hello")
	}
}
