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

package container

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"strconv"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/execspec"
)

// ContainerdAdapter execs into an existing containerd container task,
// grounded in the teacher's session/containerd.go execContainerd.
type ContainerdAdapter struct {
	Client      *containerd.Client
	Namespace   string
	ContainerID string
	LoginUser   string
}

func (a *ContainerdAdapter) Tag() string  { return "container:containerd" }
func (a *ContainerdAdapter) Close() error { return nil }

// Execute implements execspec.Adapter.
func (a *ContainerdAdapter) Execute(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	argv, err := argvFor(spec)
	if err != nil {
		return execspec.ExecutionResult{}, err
	}

	nsCtx := namespaces.WithNamespace(ctx, a.Namespace)
	nsCtx, cancel := context.WithCancel(nsCtx)
	defer cancel()

	cont, err := a.Client.LoadContainer(nsCtx, a.ContainerID)
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "load containerd container").
			WithContext("container", a.ContainerID)
	}

	ociSpec, err := cont.Spec(nsCtx)
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "load containerd spec")
	}

	if a.LoginUser != "" {
		info, err := cont.Info(nsCtx)
		if err != nil {
			return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "containerd container info")
		}

		if err := oci.WithUser(a.LoginUser)(nsCtx, a.Client, &info, ociSpec); err != nil {
			return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "apply containerd user")
		}
	}

	pSpec := ociSpec.Process
	pSpec.Terminal = spec.TTY
	pSpec.Args = argv
	pSpec.Cwd = spec.Dir
	pSpec.Env = envSlice(spec.Env)

	task, err := cont.Task(nsCtx, nil)
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "load containerd task")
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	cioOpts := []cio.Opt{cio.WithStreams(inR, outW, errW)}
	if spec.TTY {
		cioOpts = append(cioOpts, cio.WithTerminal)
	}

	execID := strconv.Itoa(rand.Intn(1 << 20))

	process, err := task.Exec(nsCtx, execID, pSpec, cio.NewCreator(cioOpts...))
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "containerd task exec").
			WithContext("exec_id", execID)
	}

	statusC, err := process.Wait(nsCtx)
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "containerd process wait")
	}

	if err := process.Start(nsCtx); err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "containerd process start")
	}

	writeStdin(inW, spec)

	result := execspec.ExecutionResult{
		Command:   spec.CommandLine,
		StartedAt: time.Now(),
		Target:    execspec.Target{Adapter: "container", Container: a.ContainerID, Namespace: a.Namespace},
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	go func() { io.Copy(sinkOrBuf(spec.Stdout, &stdoutBuf), outR); close(stdoutDone) }()
	go func() { io.Copy(sinkOrBuf(spec.Stderr, &stderrBuf), errR); close(stderrDone) }()

	status := <-statusC

	time.Sleep(100 * time.Millisecond)
	inW.Close()
	outW.Close()
	errW.Close()

	<-stdoutDone
	<-stderrDone

	process.Delete(nsCtx)

	code, _, err := status.Result()
	if err != nil {
		return result, errkit.Wrap(errkit.KindAdapter, err, "containerd exit status").WithContext("container", a.ContainerID)
	}

	result.EndedAt = time.Now()
	result.ExitCode = int(code)
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.Bytes()

	return result, nil
}
