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

// Package pod implements the Kubernetes pod adapter (spec.md §4.5):
// exec into a pod's exec subresource via client-go's SPDY executor.
// There is no teacher session file for this target (the teacher has
// no Kubernetes adapter at all); this package is grounded on the
// otterscale-otterscale-agent runtime_repo.go pattern for the exec
// subresource request, SPDY executor construction and bidirectional
// stdio streaming, adapted from its server-side proxy shape into a
// direct client-side adapter.
package pod

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/execspec"
)

// Adapter execs into a pod container via the exec subresource.
type Adapter struct {
	Config    *rest.Config
	Clientset *kubernetes.Clientset
	Namespace string
	Pod       string
	Container string
}

// New builds an Adapter from a rest.Config, constructing its own
// typed clientset (mirroring the pack's per-request clientset
// construction, since impersonation may vary call to call).
func New(config *rest.Config, namespace, podName, container string) (*Adapter, error) {
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errkit.Wrap(errkit.KindAdapter, err, "create kubernetes clientset")
	}

	return &Adapter{Config: config, Clientset: cs, Namespace: namespace, Pod: podName, Container: container}, nil
}

func (a *Adapter) Tag() string  { return "pod" }
func (a *Adapter) Close() error { return nil }

// Execute implements execspec.Adapter.
func (a *Adapter) Execute(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	argv, err := argvFor(spec)
	if err != nil {
		return execspec.ExecutionResult{}, err
	}

	execOpts := &corev1.PodExecOptions{
		Container: a.Container,
		Command:   argv,
		TTY:       spec.TTY,
		Stdin:     spec.Stdin.Kind != execspec.StdinNone,
		Stdout:    true,
		Stderr:    !spec.TTY,
	}

	req := a.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(a.Pod).
		Namespace(a.Namespace).
		SubResource("exec").
		VersionedParams(execOpts, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(a.Config, http.MethodPost, req.URL())
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "create SPDY executor").
			WithContext("pod", a.Pod)
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	streamOpts := remotecommand.StreamOptions{
		Stdout: sinkOrBuf(spec.Stdout, &stdoutBuf),
		Stderr: sinkOrBuf(spec.Stderr, &stderrBuf),
		Tty:    spec.TTY,
	}

	switch spec.Stdin.Kind {
	case execspec.StdinBytes:
		streamOpts.Stdin = bytes.NewReader(spec.Stdin.Bytes)
	case execspec.StdinReader:
		streamOpts.Stdin = spec.Stdin.Reader
	}

	result := execspec.ExecutionResult{
		Command:   spec.CommandLine,
		StartedAt: time.Now(),
		Target:    execspec.Target{Adapter: "pod", Pod: a.Pod, Namespace: a.Namespace, Container: a.Container},
	}

	streamErr := executor.StreamWithContext(ctx, streamOpts)

	result.EndedAt = time.Now()
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.Bytes()

	if streamErr != nil {
		if exitErr, ok := streamErr.(interface{ ExitStatus() int }); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}

		e := errkit.Wrap(errkit.KindAdapter, streamErr, "pod exec stream").
			WithContext("pod", a.Pod).WithContext("namespace", a.Namespace)
		e.PartialStdout = result.Stdout
		e.PartialStderr = result.Stderr
		result.Cause = e

		return result, e
	}

	return result, nil
}

func argvFor(spec execspec.ExecutionSpec) ([]string, error) {
	if spec.Shell == execspec.ShellDisabled {
		if len(spec.Argv) == 0 {
			return nil, errkit.New(errkit.KindValidation, "empty argv with shell disabled")
		}

		return spec.Argv, nil
	}

	shellPath := spec.ShellPath
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	return []string{shellPath, "-c", spec.CommandLine}, nil
}

func sinkOrBuf(sink execspec.Sink, buf io.Writer) io.Writer {
	switch sink.Kind {
	case execspec.SinkStream, execspec.SinkFile:
		if sink.Writer != nil {
			return io.MultiWriter(buf, sink.Writer)
		}
	case execspec.SinkIgnore:
		return io.Discard
	}

	return buf
}
