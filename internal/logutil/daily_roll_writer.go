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
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const (
	logFileDateLayout = "2006-01-02"
	expireDays         = 30
)

// dailyRollWriter rolls over to a new log file every day, named
// <dir>/<prefix>-<date>.log, and prunes files older than expireDays.
type dailyRollWriter struct {
	dir    string
	prefix string

	mu      sync.Mutex
	current string
	file    *os.File
}

func newDailyRollWriter(dir, prefix string) *dailyRollWriter {
	return &dailyRollWriter{dir: dir, prefix: prefix}
}

func (w *dailyRollWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().Format(logFileDateLayout)
	if now != w.current {
		if err := w.roll(now); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

func (w *dailyRollWriter) roll(date string) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	if w.file != nil {
		w.file.Close()
	}

	logFile := filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.prefix, date))

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	w.file = f
	w.current = date

	go w.pruneExpired()

	return nil
}

var logDateExp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

func (w *dailyRollWriter) pruneExpired() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-24 * expireDays * time.Hour)

	for _, entry := range entries {
		dateStr := logDateExp.FindString(entry.Name())
		if dateStr == "" {
			continue
		}

		logDate, err := time.Parse(logFileDateLayout, dateStr)
		if err != nil {
			continue
		}

		if cutoff.After(logDate) {
			os.Remove(path.Join(w.dir, entry.Name()))
		}
	}
}
