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

// Option is the top-level omniexec CLI configuration, loaded from TOML.
type Option struct {
	Log    LogConfig    `toml:"log_config"`
	Debug  DebugConfig  `toml:"debug"`
	Target TargetConfig `toml:"target"`
}

// LogConfig controls internal/logutil's output.
type LogConfig struct {
	Dir   string `toml:"dir"`
	Level string `toml:"level"`
}

// DebugConfig optionally starts a local metrics/health endpoint
// alongside a run, the reference CLI's stand-in for the teacher's
// always-on monitoring server.
type DebugConfig struct {
	Addr string `toml:"addr"`
}

// TargetConfig selects and configures the adapter the run subcommand
// dispatches through. Kind is one of "local" (the default), "ssh",
// "docker", "containerd" or "k8s".
type TargetConfig struct {
	Kind       string           `toml:"kind"`
	SSH        SSHTarget        `toml:"ssh"`
	Docker     DockerTarget     `toml:"docker"`
	Containerd ContainerdTarget `toml:"containerd"`
	K8s        K8sTarget        `toml:"k8s"`
}

// SSHTarget names the remote host and credentials for the ssh target.
type SSHTarget struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	PrivateKeyPath string `toml:"private_key_path"`
	Password       string `toml:"password"`
}

// DockerTarget names the container the docker target execs into.
type DockerTarget struct {
	Host        string `toml:"host"` // DOCKER_HOST-style endpoint; empty uses the environment default
	ContainerID string `toml:"container_id"`
	SidecarMode bool   `toml:"sidecar_mode"`
	LoginUser   string `toml:"login_user"`
}

// ContainerdTarget names the container the containerd target execs into.
type ContainerdTarget struct {
	Address     string `toml:"address"`
	Namespace   string `toml:"namespace"`
	ContainerID string `toml:"container_id"`
}

// K8sTarget names the pod/container the k8s target execs into.
type K8sTarget struct {
	Kubeconfig string `toml:"kubeconfig"`
	Namespace  string `toml:"namespace"`
	Pod        string `toml:"pod"`
	Container  string `toml:"container"`
}
