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
	"bufio"
	"io"

	"github.com/omniexec/omniexec/pkg/errkit"
)

// DefaultMaxLineBytes is the spec.md §4.7 default (1 MiB).
const DefaultMaxLineBytes = 1 << 20

// LineReader iterates lines across chunk boundaries. A line is a
// maximal byte sequence terminated by "\n" (optionally "\r\n") or EOF.
// Lines longer than MaxLineBytes fail with a StreamError{LineTooLong}.
type LineReader struct {
	r           *bufio.Reader
	maxLine     int
	lastLineErr error
}

// NewLineReader wraps r with the default max line length.
func NewLineReader(r io.Reader) *LineReader {
	return NewLineReaderSize(r, DefaultMaxLineBytes)
}

// NewLineReaderSize wraps r with a custom max line length.
func NewLineReaderSize(r io.Reader, maxLineBytes int) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 4096), maxLine: maxLineBytes}
}

// Next returns the next line (without its terminator) or io.EOF when
// exhausted. No trailing empty line is produced for input ending in
// exactly one "\n" (spec.md invariant 11).
func (lr *LineReader) Next() (string, error) {
	var buf []byte

	for {
		chunk, err := lr.r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if len(buf) > lr.maxLine {
			return "", errkit.New(errkit.KindStream, "line exceeds maximum length").
				WithContext("max_bytes", itoa(lr.maxLine))
		}

		if err == nil {
			return trimNewline(buf), nil
		}

		if err == bufio.ErrBufferFull {
			continue
		}

		if err == io.EOF {
			if len(buf) == 0 {
				return "", io.EOF
			}

			return trimNewline(buf), nil
		}

		return "", err
	}
}

// Lines drains the reader into a slice, applying the same "no
// trailing empty line" rule as Next.
func Lines(r io.Reader) ([]string, error) {
	lr := NewLineReader(r)

	var out []string

	for {
		line, err := lr.Next()
		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return out, err
		}

		out = append(out, line)
	}
}

func trimNewline(b []byte) string {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
		if n > 0 && b[n-1] == '\r' {
			n--
		}
	}

	return string(b[:n])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}

	if neg {
		digits = append([]byte{'-'}, digits...)
	}

	return string(digits)
}
