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

// Package logutil provides the module-scoped logrus loggers used
// throughout omniexec. Unlike a standalone agent, a library must not
// force file creation on import, so by default every logger writes to
// stderr; callers that want file output call SetLogDir explicitly.
package logutil

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Constants for environment variable keys.
const (
	EnvKeyLogLevel = "OMNIEXEC_LOG_LEVEL"
)

var (
	logMap = make(map[string]*logrus.Logger)
	locker sync.Mutex
	level  = logrus.InfoLevel
	logDir string
)

func init() {
	if lvlStr := os.Getenv(EnvKeyLogLevel); lvlStr != "" {
		if lvl, err := logrus.ParseLevel(lvlStr); err == nil {
			level = lvl
		}
	}
}

// SetLevel sets the logging level for all loggers created so far and
// for any created afterwards.
func SetLevel(l logrus.Level) {
	locker.Lock()
	defer locker.Unlock()

	level = l
	for _, logger := range logMap {
		logger.Level = l
	}
}

// SetLogDir switches every logger (existing and future) from stderr to
// a daily-rolling file under dir. Passing an empty string reverts to
// stderr.
func SetLogDir(dir string) {
	locker.Lock()
	defer locker.Unlock()

	logDir = dir
	for name, logger := range logMap {
		logger.Out = newOutput(name)
	}
}

// GetLogger returns the logger for the given module name, creating it
// if it doesn't exist.
func GetLogger(moduleName string) *logrus.Logger {
	locker.Lock()
	defer locker.Unlock()

	if l, ok := logMap[moduleName]; ok {
		return l
	}

	l := logrus.New()
	l.Out = newOutput(moduleName)
	l.Level = level

	logMap[moduleName] = l

	return l
}

func newOutput(moduleName string) interface {
	Write(p []byte) (int, error)
} {
	if logDir == "" {
		return os.Stderr
	}

	return newDailyRollWriter(logDir, moduleName)
}
