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
	"strings"
	"testing"

	"github.com/omniexec/omniexec/pkg/errkit"
)

func TestLinesNoTrailingEmptyLine(t *testing.T) {
	got, err := Lines(strings.NewReader("one\ntwo\nthree\n"))
	if err != nil {
		t.Fatalf("Lines() error = %v", err)
	}

	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLinesNoFinalNewline(t *testing.T) {
	got, err := Lines(strings.NewReader("one\ntwo"))
	if err != nil {
		t.Fatalf("Lines() error = %v", err)
	}

	if len(got) != 2 || got[1] != "two" {
		t.Errorf("Lines() = %v, want [one two]", got)
	}
}

func TestLinesStripsCarriageReturn(t *testing.T) {
	got, err := Lines(strings.NewReader("one\r\ntwo\r\n"))
	if err != nil {
		t.Fatalf("Lines() error = %v", err)
	}

	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Lines() = %v, want [one two]", got)
	}
}

func TestLineReaderLineTooLong(t *testing.T) {
	lr := NewLineReaderSize(strings.NewReader(strings.Repeat("a", 100)+"\n"), 10)

	_, err := lr.Next()
	if err == nil {
		t.Fatal("Next() error = nil, want a stream error for an over-long line")
	}

	e, ok := err.(*errkit.Error)
	if !ok || e.Kind != errkit.KindStream {
		t.Errorf("Next() error = %v, want a KindStream *errkit.Error", err)
	}
}

func TestLinesEmptyInput(t *testing.T) {
	got, err := Lines(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Lines() error = %v", err)
	}

	if len(got) != 0 {
		t.Errorf("Lines() = %v, want empty", got)
	}
}
