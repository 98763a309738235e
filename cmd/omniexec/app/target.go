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
	"fmt"
	"os"

	"github.com/containerd/containerd"
	"github.com/docker/docker/client"
	"golang.org/x/crypto/ssh"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/omniexec/omniexec/pkg/adapter/sshadapter"
	"github.com/omniexec/omniexec/pkg/engine"
)

// buildEngine selects and configures the adapter named by cfg.Kind on
// top of a fresh root Engine.
func buildEngine(cfg TargetConfig) (*engine.Engine, error) {
	eng := engine.New()

	switch cfg.Kind {
	case "", "local":
		return eng.Local(), nil
	case "ssh":
		return buildSSHEngine(eng, cfg.SSH)
	case "docker":
		return buildDockerEngine(eng, cfg.Docker)
	case "containerd":
		return buildContainerdEngine(eng, cfg.Containerd)
	case "k8s":
		return buildK8sEngine(eng, cfg.K8s)
	default:
		return nil, fmt.Errorf("unknown target kind %q", cfg.Kind)
	}
}

func buildSSHEngine(eng *engine.Engine, cfg SSHTarget) (*engine.Engine, error) {
	host := sshadapter.HostConfig{
		Host:      cfg.Host,
		Port:      cfg.Port,
		User:      cfg.User,
		Password:  cfg.Password,
		HostKeyCB: ssh.InsecureIgnoreHostKey(),
	}

	if host.Port == 0 {
		host.Port = 22
	}

	if cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}

		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}

		host.Signer = signer
	}

	return eng.Ssh(host), nil
}

func buildDockerEngine(eng *engine.Engine, cfg DockerTarget) (*engine.Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	var dockerOpts []engine.DockerOption
	if cfg.SidecarMode {
		dockerOpts = append(dockerOpts, engine.WithSidecarExec(""))
	}

	if cfg.LoginUser != "" {
		dockerOpts = append(dockerOpts, engine.WithLoginUser(cfg.LoginUser))
	}

	return eng.Docker(cli, cfg.ContainerID, dockerOpts...), nil
}

func buildContainerdEngine(eng *engine.Engine, cfg ContainerdTarget) (*engine.Engine, error) {
	address := cfg.Address
	if address == "" {
		address = "/run/containerd/containerd.sock"
	}

	cli, err := containerd.New(address)
	if err != nil {
		return nil, fmt.Errorf("create containerd client: %w", err)
	}

	return eng.Containerd(cli, cfg.Namespace, cfg.ContainerID), nil
}

func buildK8sEngine(eng *engine.Engine, cfg K8sTarget) (*engine.Engine, error) {
	config, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}

	out, err := eng.K8s(config, cfg.Namespace, cfg.Pod, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("build k8s adapter: %w", err)
	}

	return out, nil
}
