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

package streamio

import (
	"bytes"
	"strings"
	"testing"
)

func TestTeeFansOutToEverySink(t *testing.T) {
	var a, b bytes.Buffer

	if err := Tee(strings.NewReader("hello world"), &a, &b); err != nil {
		t.Fatalf("Tee() error = %v", err)
	}

	if a.String() != "hello world" || b.String() != "hello world" {
		t.Errorf("sinks = %q / %q, want both to equal %q", a.String(), b.String(), "hello world")
	}
}

func TestPipeLinesInvokesCallbackPerLine(t *testing.T) {
	var got []string

	err := PipeLines(strings.NewReader("a\nb\nc\n"), func(line string) bool {
		got = append(got, line)
		return true
	})
	if err != nil {
		t.Fatalf("PipeLines() error = %v", err)
	}

	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("got = %v, want [a b c]", got)
	}
}

func TestPipeLinesStopsWhenCallbackReturnsFalse(t *testing.T) {
	var got []string

	err := PipeLines(strings.NewReader("a\nb\nc\n"), func(line string) bool {
		got = append(got, line)
		return line != "b"
	})
	if err != nil {
		t.Fatalf("PipeLines() error = %v", err)
	}

	if len(got) != 2 {
		t.Errorf("got = %v, want exactly 2 lines before stopping", got)
	}
}
