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

// Package sshpool implements the keyed SSH connection pool (spec.md
// §4.3): one pool of *ssh.Client per (host, port, user, auth) key,
// grounded in the teacher's backend/handler.go staleSessions reuse
// map, generalized from a single global map into a per-key queue with
// idle eviction, borrow/return validation and a circuit breaker.
package sshpool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/errkit"
	"github.com/omniexec/omniexec/pkg/eventbus"
)

var logger = logutil.GetLogger("sshpool")

// Key identifies a distinct pool of connections.
type Key struct {
	Host string
	Port int
	User string
	// AuthFingerprint distinguishes pools when the same host/user pair
	// is reached with different credentials (key vs password vs agent).
	AuthFingerprint string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d#%s", k.User, k.Host, k.Port, k.AuthFingerprint)
}

// Dialer produces a new *ssh.Client for a key. Supplied by the caller
// so the pool never owns credential material directly.
type Dialer func(ctx context.Context, key Key) (*ssh.Client, error)

// Validator decides whether a borrowed or idle connection is still
// usable. Supplied by the caller so the pool never hardcodes a
// transport-specific liveness check (spec.md §4.4's pluggable
// validator predicate).
type Validator func(*ssh.Client) bool

// Options configures pool-wide limits and timers.
type Options struct {
	MinPerKey       int // connections the janitor keeps warm per key, once seen
	MaxPerKey       int
	IdleTimeout     time.Duration
	ValidateOnBorrow bool
	ValidationPeriod time.Duration
	BorrowTimeout   time.Duration
	// QueueMax bounds the FIFO waiter queue per key once the pool is at
	// capacity; 0 means unbounded. Acquire fails with a
	// ResourceError{QueueFull} when the queue is already at QueueMax.
	QueueMax         int
	BreakerThreshold int           // consecutive dial failures before opening
	BreakerCooldown  time.Duration // time in Open before probing Half-Open
	// Validate overrides the pool's default liveness check (an SSH
	// keepalive@omniexec global request) when non-nil.
	Validate Validator
	// Bus, when set, receives connection:{open,reuse,close,error} events.
	Bus *eventbus.Bus
}

// DefaultOptions mirrors spec.md §7 defaults.
func DefaultOptions() Options {
	return Options{
		MinPerKey:        0,
		MaxPerKey:        8,
		IdleTimeout:      90 * time.Second,
		ValidateOnBorrow: true,
		ValidationPeriod: 30 * time.Second,
		BorrowTimeout:    10 * time.Second,
		QueueMax:         32,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

type pooledConn struct {
	client   *ssh.Client
	key      Key
	lastUsed time.Time
	elem     *list.Element // position in the idle list, nil when on-loan
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type keyState struct {
	mu        sync.Mutex
	key       Key
	idle      *list.List // of *pooledConn
	active    int
	opening   int
	waiters   *list.List // of chan *pooledConn
	failCount int
	breaker   breakerState
	openedAt  time.Time
}

// Pool is a keyed SSH connection pool.
type Pool struct {
	dial       Dialer
	opts       Options
	validateFn Validator

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool

	stopJanitor chan struct{}
}

// New returns a Pool that dials new connections via dial.
func New(dial Dialer, opts Options) *Pool {
	validateFn := opts.Validate
	if validateFn == nil {
		validateFn = validate
	}

	p := &Pool{
		dial:        dial,
		opts:        opts,
		validateFn:  validateFn,
		keys:        make(map[string]*keyState),
		stopJanitor: make(chan struct{}),
	}

	go p.janitor()

	return p
}

func (p *Pool) stateFor(k Key) *keyState {
	p.mu.Lock()
	defer p.mu.Unlock()

	ks, ok := p.keys[k.String()]
	if !ok {
		ks = &keyState{key: k, idle: list.New(), waiters: list.New()}
		p.keys[k.String()] = ks
	}

	return ks
}

// emit forwards a connection lifecycle event to the pool's bus, if any.
func (p *Pool) emit(name eventbus.Name, key Key, fields map[string]any) {
	if p.opts.Bus == nil {
		return
	}

	merged := map[string]any{"key": key.String()}
	for k, v := range fields {
		merged[k] = v
	}

	p.opts.Bus.Emit(eventbus.Event{Name: name, Fields: merged})
}

// Acquire borrows a connection for key, dialing a fresh one if the
// idle list is empty and the pool has room. Invariant: Active + Idle +
// Opening <= MaxPerKey, enforced per key.
func (p *Pool) Acquire(ctx context.Context, key Key) (*ssh.Client, error) {
	ks := p.stateFor(key)

	ks.mu.Lock()

	if ks.breaker == breakerOpen {
		if time.Since(ks.openedAt) < p.opts.BreakerCooldown {
			ks.mu.Unlock()

			p.emit(eventbus.ConnectionError, key, map[string]any{"reason": "circuit_open"})

			return nil, errkit.New(errkit.KindConnection, "circuit breaker open for host").
				WithContext("key", key.String())
		}

		ks.breaker = breakerHalfOpen
	}

	if e := ks.idle.Front(); e != nil {
		pc := ks.idle.Remove(e).(*pooledConn)
		ks.active++
		ks.mu.Unlock()

		if p.opts.ValidateOnBorrow && !p.validateFn(pc.client) {
			pc.client.Close()
			ks.mu.Lock()
			ks.active--
			ks.mu.Unlock()

			p.emit(eventbus.ConnectionClose, key, map[string]any{"reason": "failed_validation"})

			return p.Acquire(ctx, key)
		}

		p.emit(eventbus.ConnectionReuse, key, nil)

		return pc.client, nil
	}

	if ks.active+ks.opening < p.opts.MaxPerKey {
		ks.opening++
		ks.mu.Unlock()

		client, err := p.dialWithTimeout(ctx, key)

		ks.mu.Lock()
		ks.opening--

		if err != nil {
			ks.failCount++
			if ks.failCount >= p.opts.BreakerThreshold {
				ks.breaker = breakerOpen
				ks.openedAt = time.Now()
			}

			ks.mu.Unlock()

			p.emit(eventbus.ConnectionError, key, map[string]any{"reason": err.Error()})

			return nil, errkit.Wrap(errkit.KindConnection, err, "dial ssh host").
				WithContext("key", key.String())
		}

		ks.failCount = 0
		ks.breaker = breakerClosed
		ks.active++
		ks.mu.Unlock()

		p.emit(eventbus.ConnectionOpen, key, nil)

		return client, nil
	}

	// Pool at capacity: queue as a FIFO waiter with a deadline, bounded
	// by QueueMax so a stalled backend can't grow the queue forever.
	if p.opts.QueueMax > 0 && ks.waiters.Len() >= p.opts.QueueMax {
		ks.mu.Unlock()

		return nil, errkit.New(errkit.KindResource, "acquire queue is full for host").
			WithContext("key", key.String()).
			WithContext("queue_max", fmt.Sprintf("%d", p.opts.QueueMax))
	}

	waitCh := make(chan *pooledConn, 1)
	elem := ks.waiters.PushBack(waitCh)
	ks.mu.Unlock()

	timeout := p.opts.BorrowTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pc := <-waitCh:
		p.emit(eventbus.ConnectionReuse, key, nil)

		return pc.client, nil
	case <-timer.C:
		ks.mu.Lock()
		ks.waiters.Remove(elem)
		ks.mu.Unlock()

		return nil, errkit.New(errkit.KindResource, "timed out waiting for pooled connection").
			WithContext("key", key.String()).
			WithContext("reason", "queue_timeout")
	case <-ctx.Done():
		ks.mu.Lock()
		ks.waiters.Remove(elem)
		ks.mu.Unlock()

		return nil, errkit.Wrap(errkit.KindCancelled, ctx.Err(), "acquire cancelled")
	}
}

func (p *Pool) dialWithTimeout(ctx context.Context, key Key) (*ssh.Client, error) {
	return p.dial(ctx, key)
}

// Release returns a connection to the pool, handing it to a waiter if
// one is queued, otherwise parking it on the idle list. Pass
// broken=true when the caller observed the connection fail so it is
// discarded instead of reused.
func (p *Pool) Release(key Key, client *ssh.Client, broken bool) {
	ks := p.stateFor(key)

	ks.mu.Lock()
	ks.active--

	if broken {
		ks.mu.Unlock()
		client.Close()

		p.emit(eventbus.ConnectionClose, key, map[string]any{"reason": "broken"})

		return
	}

	pc := &pooledConn{client: client, key: key, lastUsed: time.Now()}

	if w := ks.waiters.Front(); w != nil {
		ks.waiters.Remove(w)
		ch := w.Value.(chan *pooledConn)
		ks.active++
		ks.mu.Unlock()
		ch <- pc

		return
	}

	pc.elem = ks.idle.PushBack(pc)
	ks.mu.Unlock()
}

// validate is the default Validator, used when Options.Validate is nil.
func validate(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@omniexec", true, nil)
	return err == nil
}

// janitor periodically evicts idle connections past IdleTimeout and
// revalidates the rest, the same discipline as the teacher's
// staleSessions cleanup in backend/handler.go but on a timer instead
// of on-demand.
func (p *Pool) janitor() {
	interval := p.opts.ValidationPeriod
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopJanitor:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	keys := make([]*keyState, 0, len(p.keys))
	for _, ks := range p.keys {
		keys = append(keys, ks)
	}
	p.mu.Unlock()

	for _, ks := range keys {
		p.sweepKey(ks)
	}
}

// sweepKey evicts idle-timed-out and now-invalid connections for ks,
// then tops it up to MinPerKey if the janitor left it under-provisioned
// (spec.md §4.4's minimum-idle-connections parameter). Top-up only
// ever applies to keys the pool has already dialed at least once,
// since keyState is created lazily on first Acquire.
func (p *Pool) sweepKey(ks *keyState) {
	ks.mu.Lock()

	var next *list.Element

	for e := ks.idle.Front(); e != nil; e = next {
		next = e.Next()

		pc := e.Value.(*pooledConn)
		if time.Since(pc.lastUsed) > p.opts.IdleTimeout {
			ks.idle.Remove(e)
			ks.mu.Unlock()

			pc.client.Close()
			logger.Debugf("evicted idle ssh connection for %s", pc.key)
			p.emit(eventbus.ConnectionClose, pc.key, map[string]any{"reason": "idle_timeout"})

			ks.mu.Lock()

			continue
		}

		if !p.validateFn(pc.client) {
			ks.idle.Remove(e)
			ks.mu.Unlock()

			pc.client.Close()
			p.emit(eventbus.ConnectionClose, pc.key, map[string]any{"reason": "failed_validation"})

			ks.mu.Lock()
		}
	}

	key := ks.key
	need := p.opts.MinPerKey - (ks.active + ks.idle.Len() + ks.opening)

	if need > 0 {
		ks.opening += need
	}

	ks.mu.Unlock()

	for i := 0; i < need; i++ {
		client, err := p.dial(context.Background(), key)

		ks.mu.Lock()
		ks.opening--

		if err != nil {
			ks.mu.Unlock()
			logger.Debugf("min-connection top-up dial failed for %s: %v", key, err)
			p.emit(eventbus.ConnectionError, key, map[string]any{"reason": "topup_failed"})

			continue
		}

		pc := &pooledConn{client: client, key: key, lastUsed: time.Now()}
		pc.elem = ks.idle.PushBack(pc)
		ks.mu.Unlock()

		p.emit(eventbus.ConnectionOpen, key, map[string]any{"reason": "min_topup"})
	}
}

// Close stops the janitor and closes every idle connection. In-flight
// borrowed connections are closed by their callers via Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	keys := make([]*keyState, 0, len(p.keys))
	for _, ks := range p.keys {
		keys = append(keys, ks)
	}
	p.mu.Unlock()

	close(p.stopJanitor)

	for _, ks := range keys {
		ks.mu.Lock()
		for e := ks.idle.Front(); e != nil; e = e.Next() {
			e.Value.(*pooledConn).client.Close()
		}
		ks.mu.Unlock()
	}

	return nil
}
