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

// Package engine implements the Engine and CommandHandle at the top of
// omniexec's dependency order: the fluent, immutable-context frontend
// that turns a command template into a dispatched ExecutionSpec,
// wiring together every adapter, the SSH pool, the result cache and
// the event bus built underneath it. Grounded in the teacher's
// session.Config/EstablishSession dispatcher, generalized from a
// single agent-side session into a chainable client-side builder.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/docker/docker/client"
	"k8s.io/client-go/rest"

	"github.com/omniexec/omniexec/internal/logutil"
	dockeradapter "github.com/omniexec/omniexec/pkg/adapter/container"
	"github.com/omniexec/omniexec/pkg/adapter/local"
	"github.com/omniexec/omniexec/pkg/adapter/pod"
	"github.com/omniexec/omniexec/pkg/adapter/sshadapter"
	"github.com/omniexec/omniexec/pkg/cache"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
	"github.com/omniexec/omniexec/pkg/execspec"
	"github.com/omniexec/omniexec/pkg/sshpool"
)

var logger = logutil.GetLogger("engine")

// AbortSignal is a cancellation token an Engine can be bound to via
// Signal, so that every CommandHandle built from it observes the same
// abort independent of the context passed to an individual Await.
type AbortSignal struct {
	ctx context.Context
}

// NewAbortSignal returns a fresh AbortSignal and the func that fires it.
func NewAbortSignal() (AbortSignal, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return AbortSignal{ctx: ctx}, cancel
}

// CachePolicy controls whether a command's result is eligible for the
// shared result cache (spec.md §4.8).
type CachePolicy struct {
	Enabled bool
	// Key overrides the default key (adapter tag + cwd + command line).
	// Two handles sharing a Key, awaited concurrently, single-flight
	// through the same computation (pkg/cache.GetOrCompute).
	Key string
	// TTL overrides the cache's default TTL for this call, when > 0.
	TTL time.Duration
	// Condition overrides the cache's default admission predicate for
	// this call, when non-nil.
	Condition cache.Condition
}

// Options batches Engine-level settings for the With modifier.
type Options struct {
	Cwd          *string
	Env          map[string]string
	Timeout      *time.Duration
	ShellPolicy  *execspec.ShellPolicy
	ShellPath    *string
	ThrowOnError *bool
	RetryPolicy  *errkit.RetryPolicy
	CachePolicy  *CachePolicy
}

// sshHostRegistry lets a single shared sshpool.Pool dial back into
// whichever HostConfig a prior Ssh(...) modifier call registered for a
// given pool key. The pool itself only ever sees Keys, never
// credentials, per sshpool's design.
type sshHostRegistry struct {
	mu    sync.Mutex
	hosts map[string]sshadapter.HostConfig
}

func newSSHHostRegistry() *sshHostRegistry {
	return &sshHostRegistry{hosts: make(map[string]sshadapter.HostConfig)}
}

func (r *sshHostRegistry) register(hc sshadapter.HostConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hosts[hc.PoolKey().String()] = hc
}

func (r *sshHostRegistry) resolve(key sshpool.Key) (sshadapter.HostConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hc, ok := r.hosts[key.String()]
	if !ok {
		return sshadapter.HostConfig{}, errkit.New(errkit.KindValidation, "unknown ssh host for pool key").
			WithContext("key", key.String())
	}

	return hc, nil
}

// Engine is an immutable execution context: every modifier returns a
// new Engine via shallow copy (spec.md §8 invariant 2), so a base
// Engine can be branched into independently-configured children
// without the branches observing each other's changes. Shared,
// expensive resources (the SSH pool, the result cache, the event bus)
// are held by pointer and survive across the whole family of clones.
type Engine struct {
	bus   *eventbus.Bus
	store *cache.Cache
	mask  *errkit.Masker

	pool     *sshpool.Pool
	registry *sshHostRegistry

	adapter    execspec.Adapter
	adapterTag string

	cwd         string
	env         map[string]string
	timeout     time.Duration
	shellPolicy execspec.ShellPolicy
	shellPath   string

	throwOnError bool
	retryPolicy  errkit.RetryPolicy
	defaultCache CachePolicy

	abortCtx context.Context
}

// New returns a root Engine targeting the local adapter, with events,
// caching and retry defaulted per spec.md §7.
func New() *Engine {
	bus := eventbus.New()

	cacheOpts := cache.DefaultOptions()
	cacheOpts.Bus = bus

	return &Engine{
		bus:          bus,
		store:        cache.New(cacheOpts),
		mask:         errkit.DefaultMasker(),
		adapter:      local.New(),
		adapterTag:   "local",
		shellPolicy:  execspec.ShellDefault,
		throwOnError: true,
		retryPolicy:  errkit.RetryPolicy{MaxAttempts: 1},
	}
}

// Bus returns the engine's event bus, for subscribing to lifecycle events.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Cache returns the engine's shared result cache.
func (e *Engine) Cache() *cache.Cache { return e.store }

func (e *Engine) clone() *Engine {
	c := *e
	c.env = cloneEnv(e.env)

	return &c
}

func cloneEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// mergeEnv layers env maps in order; a layer that sets a key to the
// empty string removes that key from the accumulated result rather
// than setting it to empty (spec.md §4's env-merge edge case).
func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)

	for _, layer := range layers {
		for k, v := range layer {
			if v == "" {
				delete(out, k)
				continue
			}

			out[k] = v
		}
	}

	return out
}

// Cd returns a copy of e with the default working directory set.
func (e *Engine) Cd(path string) *Engine {
	c := e.clone()
	c.cwd = path

	return c
}

// Env returns a copy of e with vars merged into the default environment.
func (e *Engine) Env(vars map[string]string) *Engine {
	c := e.clone()
	c.env = mergeEnv(e.env, vars)

	return c
}

// Timeout returns a copy of e with the default per-command timeout set.
func (e *Engine) Timeout(d time.Duration) *Engine {
	c := e.clone()
	c.timeout = d

	return c
}

// Shell returns a copy of e with the shell interpretation policy set.
// path is only consulted when policy is execspec.ShellNamed.
func (e *Engine) Shell(policy execspec.ShellPolicy, path ...string) *Engine {
	c := e.clone()
	c.shellPolicy = policy

	if len(path) > 0 {
		c.shellPath = path[0]
	}

	return c
}

// Signal returns a copy of e bound to sig: every handle built from the
// returned Engine observes sig's cancellation in addition to whatever
// context its Await call receives.
func (e *Engine) Signal(sig AbortSignal) *Engine {
	c := e.clone()
	c.abortCtx = sig.ctx

	return c
}

// With applies a batch of settings in one call.
func (e *Engine) With(opts Options) *Engine {
	c := e.clone()

	if opts.Cwd != nil {
		c.cwd = *opts.Cwd
	}

	if opts.Env != nil {
		c.env = mergeEnv(c.env, opts.Env)
	}

	if opts.Timeout != nil {
		c.timeout = *opts.Timeout
	}

	if opts.ShellPolicy != nil {
		c.shellPolicy = *opts.ShellPolicy
	}

	if opts.ShellPath != nil {
		c.shellPath = *opts.ShellPath
	}

	if opts.ThrowOnError != nil {
		c.throwOnError = *opts.ThrowOnError
	}

	if opts.RetryPolicy != nil {
		c.retryPolicy = *opts.RetryPolicy
	}

	if opts.CachePolicy != nil {
		c.defaultCache = *opts.CachePolicy
	}

	return c
}

// Local returns a copy of e targeting the local process adapter.
func (e *Engine) Local() *Engine {
	c := e.clone()
	c.adapter = local.New()
	c.adapterTag = "local"

	return c
}

// Ssh returns a copy of e targeting host over a pooled SSH connection.
// The pool is created once per Engine family and shared across every
// subsequent Ssh call, including ones naming different hosts, so
// connections are reused per (host,port,user,auth) key rather than per
// modifier call.
func (e *Engine) Ssh(host sshadapter.HostConfig) *Engine {
	c := e.clone()

	if c.registry == nil {
		c.registry = newSSHHostRegistry()

		poolOpts := sshpool.DefaultOptions()
		poolOpts.Bus = c.bus

		c.pool = sshadapter.NewPool(c.registry.resolve, poolOpts)
	}

	c.registry.register(host)
	c.adapter = sshadapter.New(c.pool, host)
	c.adapterTag = "ssh"

	return c
}

// DockerOption configures a Docker container adapter at construction.
type DockerOption func(*dockeradapter.DockerAdapter)

// WithSidecarExec routes execution through an attached sidecar
// container sharing the target's pid/network namespace instead of a
// direct docker exec (the supplemented sidecar-exec-mode feature).
func WithSidecarExec(image string) DockerOption {
	return func(a *dockeradapter.DockerAdapter) {
		a.SidecarMode = true
		a.SidecarImage = image
	}
}

// WithLoginUser sets the user docker exec/sidecar runs the command as.
func WithLoginUser(user string) DockerOption {
	return func(a *dockeradapter.DockerAdapter) { a.LoginUser = user }
}

// Docker returns a copy of e targeting a running container via an
// already-constructed Docker API client.
func (e *Engine) Docker(cli client.CommonAPIClient, containerID string, opts ...DockerOption) *Engine {
	c := e.clone()

	a := dockeradapter.NewDockerAdapter(cli, containerID)
	for _, opt := range opts {
		opt(a)
	}

	c.adapter = a
	c.adapterTag = "container:docker"

	return c
}

// Containerd returns a copy of e targeting a running container via an
// already-constructed containerd client.
func (e *Engine) Containerd(cli *containerd.Client, namespace, containerID string) *Engine {
	c := e.clone()
	c.adapter = &dockeradapter.ContainerdAdapter{Client: cli, Namespace: namespace, ContainerID: containerID}
	c.adapterTag = "container:containerd"

	return c
}

// K8s returns a copy of e targeting a container inside a Kubernetes
// pod, over the exec subresource. Unlike the other target modifiers
// this one can fail, since it eagerly builds a typed clientset.
func (e *Engine) K8s(config *rest.Config, namespace, podName, container string) (*Engine, error) {
	a, err := pod.New(config, namespace, podName, container)
	if err != nil {
		return e, err
	}

	c := e.clone()
	c.adapter = a
	c.adapterTag = "pod"

	return c, nil
}

// Dispose releases every resource this Engine family owns: the SSH
// pool's idle connections and the currently-selected adapter's own
// resources. Safe to call once the Engine and its handles are done.
func (e *Engine) Dispose() error {
	var first error

	if e.adapter != nil {
		if err := e.adapter.Close(); err != nil {
			first = err
		}
	}

	if e.pool != nil {
		if err := e.pool.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return context.WithCancel(a)
	}

	ctx, cancel := context.WithCancel(a)

	go func() {
		select {
		case <-ctx.Done():
		case <-b.Done():
			cancel()
		}
	}()

	return ctx, cancel
}
