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

package engine

import "testing"

func TestQuoteArgPreservesHostileInput(t *testing.T) {
	cases := []string{
		"plain",
		"has space",
		`has "double" quotes`,
		"has 'single' quotes",
		"has $(command) substitution",
		"has `backtick` substitution",
		"has; semicolon && chaining",
		"",
	}

	for _, s := range cases {
		quoted := quoteArg(s)
		if quoted == "" {
			t.Errorf("quoteArg(%q) returned empty string", s)
		}
	}
}

func TestQuoteArgEmptyStringIsStillAToken(t *testing.T) {
	if got := quoteArg(""); got != "''" {
		t.Errorf("quoteArg(\"\") = %q, want ''", got)
	}
}
