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

import "strings"

// Enhance appends suggestions to e based on its exit code and
// underlying message, the same substring-match-and-annotate technique
// as the teacher's sessionutil.WrapErrorWithCode/WrapContainerError,
// generalized from a fixed internal code table to spec.md §7's
// suggestion list. Enhancement is additive: raw fields are untouched.
func Enhance(e *Error) *Error {
	if e == nil {
		return nil
	}

	var hints []string

	if e.ExitCode != nil {
		switch *e.ExitCode {
		case 127:
			hints = append(hints, "command not found; check PATH")
		case 126:
			hints = append(hints, "not executable; check permissions")
		}
	}

	msg := strings.ToLower(e.Message)
	if e.Cause != nil {
		msg += " " + strings.ToLower(e.Cause.Error())
	}

	switch {
	case strings.Contains(msg, "connection refused"):
		hints = append(hints, "check host and port")
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "name or service not known"):
		hints = append(hints, "check hostname resolution")
	case strings.Contains(msg, "no such container") || strings.Contains(msg, "no such image"):
		hints = append(hints, "verify the container or image id/name")
	case strings.Contains(msg, "permission denied"):
		hints = append(hints, "check credentials and file/directory permissions")
	case strings.Contains(msg, "handshake failed") || strings.Contains(msg, "unable to authenticate"):
		hints = append(hints, "check SSH credentials (key, password, or agent)")
	case strings.Contains(msg, "i/o timeout"):
		hints = append(hints, "the remote end may be unreachable or overloaded")
	}

	if len(hints) == 0 {
		return e
	}

	return e.WithSuggestions(hints...)
}
