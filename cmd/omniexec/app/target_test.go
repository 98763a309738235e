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
	"context"
	"testing"
)

func TestBuildEngineDefaultsToLocal(t *testing.T) {
	eng, err := buildEngine(TargetConfig{})
	if err != nil {
		t.Fatalf("buildEngine() err = %v", err)
	}

	defer eng.Dispose()

	result, err := eng.Exec("echo %s", "ok").Await(context.Background())
	if err != nil {
		t.Fatalf("Await() err = %v", err)
	}

	if string(result.Stdout) != "ok\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "ok\n")
	}
}

func TestBuildEngineExplicitLocalKind(t *testing.T) {
	eng, err := buildEngine(TargetConfig{Kind: "local"})
	if err != nil {
		t.Fatalf("buildEngine() err = %v", err)
	}

	defer eng.Dispose()
}

func TestBuildEngineUnknownKindIsError(t *testing.T) {
	_, err := buildEngine(TargetConfig{Kind: "carrier-pigeon"})
	if err == nil {
		t.Fatal("buildEngine() err = nil, want an error for an unrecognized target kind")
	}
}

func TestBuildSSHEngineRejectsUnreadablePrivateKey(t *testing.T) {
	_, err := buildEngine(TargetConfig{
		Kind: "ssh",
		SSH: SSHTarget{
			Host:           "example.invalid",
			PrivateKeyPath: "/nonexistent/path/to/key",
		},
	})
	if err == nil {
		t.Fatal("buildEngine() err = nil, want an error for a missing private key file")
	}
}
