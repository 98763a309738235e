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
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/streamio"
)

// Text awaits the command and returns its stdout trimmed of trailing
// newline, the common case for capturing a single-value result.
func (h *CommandHandle) Text(ctx context.Context) (string, error) {
	result, err := h.Await(ctx)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(result.Stdout), "\r\n"), nil
}

// Lines awaits the command and splits its stdout into lines using the
// same no-trailing-empty-line rule as the streaming line reader.
func (h *CommandHandle) Lines(ctx context.Context) ([]string, error) {
	result, err := h.Await(ctx)
	if err != nil {
		return nil, err
	}

	return streamio.Lines(bytes.NewReader(result.Stdout))
}

// Json awaits the command and decodes its stdout into v.
func (h *CommandHandle) Json(ctx context.Context, v any) error {
	result, err := h.Await(ctx)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(result.Stdout, v); err != nil {
		return errkit.Wrap(errkit.KindValidation, err, "decode command output as json")
	}

	return nil
}
