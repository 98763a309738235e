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

import "io"

// Tee fans out each chunk read from src to every sink. A slow sink
// applies backpressure to src (the copy loop blocks on that sink's
// Write before reading the next chunk), per spec.md §4.7.
func Tee(src io.Reader, sinks ...io.Writer) error {
	buf := make([]byte, 32*1024)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			for _, sink := range sinks {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					return werr
				}
			}
		}

		if rerr == io.EOF {
			return nil
		}

		if rerr != nil {
			return rerr
		}
	}
}

// LineCallback is invoked once per line (or per split segment).
// Returning false stops PipeLines from reading further lines from src.
// It does not reach whatever is producing src — a caller that needs to
// terminate the producer (e.g. a running command) early must do so
// itself, through its own handle on the producer.
type LineCallback func(line string) bool

// PipeLines reads lines from src and invokes cb for each, sequentially,
// until cb returns false, src errors, or src is exhausted. Returning
// false only stops this loop from calling lr.Next() again; it has no
// effect on whatever is writing into src.
func PipeLines(src io.Reader, cb LineCallback) error {
	lr := NewLineReader(src)

	for {
		line, err := lr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		if !cb(line) {
			return nil
		}
	}
}
