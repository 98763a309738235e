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

package app

import (
	"bytes"
	"testing"
)

func TestNewCommandRegistersRunAndVersion(t *testing.T) {
	root := NewCommand()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	if !names["run"] {
		t.Error(`NewCommand() did not register a "run" subcommand`)
	}

	if !names["version"] {
		t.Error(`NewCommand() did not register a "version" subcommand`)
	}
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	Version = "v0.0.0-test"
	defer func() { Version = "" }()

	root := NewCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() err = %v", err)
	}
}
