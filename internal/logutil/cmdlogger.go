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

package logutil

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

const cmdLogMaxLine = 512

// CmdLogger line-buffers arbitrary writes and emits one logrus line per
// complete line of input, so a stream of small stdout/stderr chunks
// doesn't produce one log line per chunk.
type CmdLogger struct {
	buf    []byte
	writeC chan []byte
	doneC  chan struct{}
	l      *logrus.Entry
}

// NewCmdLogger creates a CmdLogger that logs through l.
func NewCmdLogger(l *logrus.Entry) *CmdLogger {
	cl := &CmdLogger{
		buf:    make([]byte, 0, cmdLogMaxLine),
		writeC: make(chan []byte, 64),
		doneC:  make(chan struct{}),
		l:      l,
	}
	go cl.run()

	return cl
}

// Write implements io.Writer.
func (cl *CmdLogger) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	cl.writeC <- cp

	return len(p), nil
}

// Close stops the background flusher.
func (cl *CmdLogger) Close() {
	close(cl.doneC)
}

func (cl *CmdLogger) run() {
	for {
		var p []byte
		select {
		case <-cl.doneC:
			return
		case p = <-cl.writeC:
		}

		for len(p) > 0 {
			space := cmdLogMaxLine - len(cl.buf)
			if space >= len(p) {
				cl.buf = append(cl.buf, p...)
				p = nil
			} else {
				cl.buf = append(cl.buf, p[:space]...)
				p = p[space:]
			}

			if idx := bytes.IndexAny(cl.buf, "\r\n"); idx != -1 {
				cl.l.Infof("%s", cl.buf[:idx])

				if idx+1 < len(cl.buf) {
					cl.buf = cl.buf[idx+1:]
				} else {
					cl.buf = cl.buf[:0]
				}
			} else if len(cl.buf) == cmdLogMaxLine {
				cl.l.Infof("%s", cl.buf)
				cl.buf = cl.buf[:0]
			}
		}
	}
}
