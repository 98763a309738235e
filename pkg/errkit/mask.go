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

package errkit

import "regexp"

const redactionToken = "***REDACTED***"

// Masker redacts sensitive substrings out of event payloads and the
// command field of errors. It is never applied to stdin/stdout/stderr
// bytes delivered to caller sinks (spec.md §7/§9).
type Masker struct {
	patterns []*regexp.Regexp
}

// DefaultMasker covers passwords, API keys, bearer tokens and PEM
// private-key blocks, per spec.md §7.
func DefaultMasker() *Masker {
	return NewMasker(
		`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`,
		`(?i)(api[_-]?key)\s*[:=]\s*\S+`,
		`(?i)bearer\s+[A-Za-z0-9\-_.]+`,
		`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]+?-----END [A-Z ]*PRIVATE KEY-----`,
	)
}

// NewMasker compiles the given regexes into a Masker.
func NewMasker(patterns ...string) *Masker {
	m := &Masker{}
	for _, p := range patterns {
		m.patterns = append(m.patterns, regexp.MustCompile(p))
	}

	return m
}

// Mask returns s with every match of every pattern replaced by a fixed
// redaction token. Best-effort: it does not guarantee every secret
// shape is caught.
func (m *Masker) Mask(s string) string {
	if m == nil {
		return s
	}

	for _, re := range m.patterns {
		s = re.ReplaceAllString(s, redactionToken)
	}

	return s
}
