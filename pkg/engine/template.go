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
	"fmt"
	"strings"

	"github.com/omniexec/omniexec/pkg/errkit"
)

// Exec builds a CommandHandle from template, substituting each "%s"
// placeholder with the corresponding value from values, quoted for the
// active shell. A []string value is substituted as its elements joined
// by spaces, each quoted individually (an argv splice). A *CommandHandle
// value is not dispatched here: a placeholder token is inserted instead
// and the nested handle is awaited at the outer handle's own dispatch
// time, so building a template has no side effects (spec.md §3/§9).
func (e *Engine) Exec(template string, values ...any) *CommandHandle {
	line, nested, err := interpolate(template, values, quoteArg)
	return e.newHandle(line, nested, quoteArg, err)
}

// Raw builds a CommandHandle the same way as Exec, except substituted
// values are inserted verbatim with no shell quoting. Callers are
// responsible for any quoting their shell requires; this exists for
// composing pre-built shell fragments (pipelines, redirections) that
// quoting would otherwise break.
func (e *Engine) Raw(template string, values ...any) *CommandHandle {
	line, nested, err := interpolate(template, values, identity)
	return e.newHandle(line, nested, identity, err)
}

func identity(s string) string { return s }

// ExecArgv builds a CommandHandle from a literal argument vector,
// bypassing shell parsing and quoting entirely (ShellDisabled) — the
// argv-mode equivalent of Exec for callers that already have a
// tokenized command line, such as a CLI forwarding its own arguments.
func (e *Engine) ExecArgv(argv ...string) *CommandHandle {
	h := e.newHandle("", nil, identity, nil)
	h.argv = argv
	h.useArgv = true

	return h
}

func (e *Engine) newHandle(commandLine string, nested []nestedSub, quote func(string) string, buildErr error) *CommandHandle {
	h := &CommandHandle{
		engine:      e,
		commandLine: commandLine,
		nested:      nested,
		quoteFn:     quote,
		noThrow:     !e.throwOnError,
		done:        make(chan struct{}),
	}

	if buildErr != nil {
		h.preErr = buildErr
	}

	return h
}

// nestedToken is the placeholder substituted into commandLine for a
// *CommandHandle argument, resolved to its trimmed stdout at dispatch
// time by resolveNested.
const nestedToken = "\x00omniexec:nested:%d\x00"

// nestedSub records a *CommandHandle argument deferred out of
// interpolate: token is the literal text standing in for it in the
// built command line until resolveNested substitutes the real output.
type nestedSub struct {
	token  string
	handle *CommandHandle
}

// interpolate scans template for "%s" placeholders, substituting
// values in order via quote, which is applied to every string leaf
// (including each element of a []string). A *CommandHandle value is
// deferred: interpolate inserts an unquoted placeholder token and
// records the handle in the returned slice instead of awaiting it,
// preserving the deferred-invocation contract.
func interpolate(template string, values []any, quote func(string) string) (string, []nestedSub, error) {
	var b strings.Builder

	var nested []nestedSub

	valIdx := 0
	i := 0

	for i < len(template) {
		if template[i] == '%' && i+1 < len(template) && template[i+1] == 's' {
			if valIdx >= len(values) {
				return "", nil, errkit.New(errkit.KindValidation, "template has more %s placeholders than values")
			}

			if nh, ok := values[valIdx].(*CommandHandle); ok {
				token := fmt.Sprintf(nestedToken, len(nested))
				nested = append(nested, nestedSub{token: token, handle: nh})
				b.WriteString(token)
			} else {
				s, err := stringifyValue(values[valIdx], quote)
				if err != nil {
					return "", nil, err
				}

				b.WriteString(s)
			}

			valIdx++
			i += 2

			continue
		}

		b.WriteByte(template[i])
		i++
	}

	if valIdx != len(values) {
		return "", nil, errkit.New(errkit.KindValidation, "template has more values than %s placeholders")
	}

	return b.String(), nested, nil
}

func stringifyValue(v any, quote func(string) string) (string, error) {
	switch t := v.(type) {
	case string:
		return quote(t), nil
	case []string:
		parts := make([]string, len(t))
		for i, s := range t {
			parts[i] = quote(s)
		}

		return strings.Join(parts, " "), nil
	case *CommandHandle:
		// Handled by interpolate via nestedSub deferral; stringifyValue
		// only sees this case from direct unit-test calls.
		return quote(""), nil
	case nil:
		return quote(""), nil
	default:
		return quote(fmt.Sprint(t)), nil
	}
}
