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

// Package container implements the Docker and containerd adapters
// (spec.md §4.4), grounded in the teacher's
// session/docker.go (ContainerExecCreate/Attach, stream demultiplexing,
// sidecar attach) and session/containerd.go (task exec via the
// containerd client).
package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/execspec"
)

var logger = logutil.GetLogger("adapter-container")

const (
	stdWriterPrefixLen = 8
	stdWriterFdIndex   = 0
	stdWriterSizeIndex = 4
	demuxChunkSize     = 4096
)

type stdType byte

const (
	stdinType stdType = iota
	stdoutType
	stderrType
)

// DockerAdapter executes specs inside an existing container via
// docker exec, adapted from the teacher's execContainer.
type DockerAdapter struct {
	client      client.CommonAPIClient
	containerID string
	// SidecarMode, when set, routes execution through an attached
	// sidecar container instead of a direct docker exec — the
	// supplemented exec-mode feature from SPEC_FULL.md §5, grounded on
	// the teacher's attachSidecar path.
	SidecarMode bool
	SidecarImage string
	LoginUser   string
}

// NewDockerAdapter wraps an already-constructed Docker client.
func NewDockerAdapter(cli client.CommonAPIClient, containerID string) *DockerAdapter {
	return &DockerAdapter{client: cli, containerID: containerID}
}

func (a *DockerAdapter) Tag() string  { return "container:docker" }
func (a *DockerAdapter) Close() error { return nil }

// Execute implements execspec.Adapter.
func (a *DockerAdapter) Execute(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	if a.SidecarMode {
		return a.executeViaSidecar(ctx, spec)
	}

	return a.executeViaExec(ctx, spec)
}

func (a *DockerAdapter) executeViaExec(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	argv, err := argvFor(spec)
	if err != nil {
		return execspec.ExecutionResult{}, err
	}

	execCfg := dockertypes.ExecConfig{
		Cmd:          argv,
		Tty:          spec.TTY,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  spec.Stdin.Kind != execspec.StdinNone,
		User:         a.LoginUser,
		WorkingDir:   spec.Dir,
		Env:          envSlice(spec.Env),
	}

	createResp, err := a.client.ContainerExecCreate(ctx, a.containerID, execCfg)
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "create container exec").
			WithContext("container", a.containerID)
	}

	attachResp, err := a.client.ContainerExecAttach(ctx, createResp.ID, dockertypes.ExecStartCheck{Tty: spec.TTY})
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "attach container exec").
			WithContext("container", a.containerID)
	}
	defer attachResp.Close()

	result := execspec.ExecutionResult{
		Command:   spec.CommandLine,
		StartedAt: time.Now(),
		Target:    execspec.Target{Adapter: "container", Container: a.containerID},
	}

	writeStdin(attachResp.Conn, spec)

	var stdoutBuf, stderrBuf bytes.Buffer

	if err := demux(attachResp.Reader, spec.TTY, sinkOrBuf(spec.Stdout, &stdoutBuf), sinkOrBuf(spec.Stderr, &stderrBuf)); err != nil && err != io.EOF {
		logger.WithField("container", a.containerID).Warnf("exec stream error: %v", err)
	}

	result.EndedAt = time.Now()
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.Bytes()

	inspect, err := a.client.ContainerExecInspect(ctx, createResp.ID)
	if err != nil {
		return result, errkit.Wrap(errkit.KindAdapter, err, "inspect container exec")
	}

	result.ExitCode = inspect.ExitCode

	return result, nil
}

// executeViaSidecar attaches a sidecar container sharing the target
// container's pid/network namespace and execs inside it — the
// clean-mode path from the teacher's attachSidecar, generalized to an
// opt-in adapter mode rather than the agent's only mode.
func (a *DockerAdapter) executeViaSidecar(ctx context.Context, spec execspec.ExecutionSpec) (execspec.ExecutionResult, error) {
	argv, err := argvFor(spec)
	if err != nil {
		return execspec.ExecutionResult{}, err
	}

	cmd := []string{"/bin/sh", "-c"}
	if a.LoginUser != "" {
		cmd = []string{"/superman.sh", "-u", a.LoginUser}
	}

	cmd = append(cmd, argv...)

	contCfg := &container.Config{
		AttachStdin:  spec.Stdin.Kind != execspec.StdinNone,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Image:        a.SidecarImage,
		OpenStdin:    spec.Interactive,
		StdinOnce:    spec.Interactive,
		Tty:          spec.TTY,
	}

	hostCfg := &container.HostConfig{
		PidMode:     container.PidMode("container:" + a.containerID),
		NetworkMode: container.NetworkMode("container:" + a.containerID),
		Privileged:  true,
	}

	createResp, err := a.client.ContainerCreate(ctx, contCfg, hostCfg, nil, nil, "")
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "create sidecar container")
	}

	attachResp, err := a.client.ContainerAttach(ctx, createResp.ID, container.AttachOptions{
		Stream: true, Stdin: contCfg.AttachStdin, Stdout: true, Stderr: true,
	})
	if err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "attach sidecar container")
	}
	defer attachResp.Close()

	if err := a.client.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		return execspec.ExecutionResult{}, errkit.Wrap(errkit.KindAdapter, err, "start sidecar container")
	}

	result := execspec.ExecutionResult{
		Command:   spec.CommandLine,
		StartedAt: time.Now(),
		Target:    execspec.Target{Adapter: "container", Container: createResp.ID},
	}

	writeStdin(attachResp.Conn, spec)

	var stdoutBuf, stderrBuf bytes.Buffer
	demux(attachResp.Reader, spec.TTY, sinkOrBuf(spec.Stdout, &stdoutBuf), sinkOrBuf(spec.Stderr, &stderrBuf))

	result.EndedAt = time.Now()
	result.Stdout = stdoutBuf.Bytes()
	result.Stderr = stderrBuf.Bytes()

	statusCh, errCh := a.client.ContainerWait(ctx, createResp.ID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return result, errkit.Wrap(errkit.KindAdapter, err, "wait sidecar container")
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	}

	if err := a.client.ContainerRemove(context.Background(), createResp.ID, container.RemoveOptions{Force: true}); err != nil {
		logger.WithField("container", createResp.ID).Warnf("remove sidecar container: %v", err)
	}

	return result, nil
}

func writeStdin(conn io.Writer, spec execspec.ExecutionSpec) {
	switch spec.Stdin.Kind {
	case execspec.StdinBytes:
		go func() { conn.Write(spec.Stdin.Bytes) }()
	case execspec.StdinReader:
		go func() { io.Copy(conn, spec.Stdin.Reader) }()
	}
}

// demux reads the Docker multiplexed stdout/stderr stream (or a raw
// TTY stream, which carries no frame headers) and writes each frame
// to the matching sink, mirroring session/docker.go's
// streamSplitOutput / streamUnifiedOutput.
func demux(r io.Reader, tty bool, stdout, stderr io.Writer) error {
	if tty {
		_, err := io.Copy(stdout, r)
		return err
	}

	br := bufio.NewReaderSize(r, demuxChunkSize)

	for {
		header, err := br.Peek(stdWriterPrefixLen)
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}

		br.Discard(stdWriterPrefixLen)

		stream := stdType(header[stdWriterFdIndex])
		frameSize := int(binary.BigEndian.Uint32(header[stdWriterSizeIndex : stdWriterSizeIndex+4]))

		var dst io.Writer

		switch stream {
		case stdoutType:
			dst = stdout
		case stderrType:
			dst = stderr
		default:
			dst = io.Discard
		}

		if _, err := io.CopyN(dst, br, int64(frameSize)); err != nil {
			return err
		}
	}
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

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}

	return out
}
