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

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// quoteArg returns s quoted so the active shell treats it as a single
// literal token. mvdan.cc/sh/v3/syntax is the real shell-grammar-aware
// quoter in the pack (used here instead of hand-rolled escaping, since
// a bespoke quoting routine is exactly the kind of thing this spec's
// "safe argument quoting" invariant is meant to rule out).
func quoteArg(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		// syntax.Quote only fails for strings containing a NUL byte or
		// other un-quotable control sequences; fall back to a strict
		// single-quote escape rather than passing the value through
		// unquoted.
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}

	return q
}
