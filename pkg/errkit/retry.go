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

import (
	"math/rand/v2"
	"time"
)

// Strategy selects the delay curve between retry attempts.
type Strategy int

const (
	StrategyLinear Strategy = iota
	StrategyExponential
	StrategyFibonacci
	StrategyCustom
)

// RetryPolicy configures RetryPolicy.Delay and the default
// retry-classification used by RetryPolicy.ShouldRetry.
//
// Defaults (per spec.md §7): 3 attempts, 1s initial delay, exponential
// factor 2, 30s cap, no jitter.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy
	JitterFactor float64
	// CustomDelay is used when Strategy == StrategyCustom.
	CustomDelay func(attempt int) time.Duration
	// RetryableExitCodes makes a CommandError with one of these exit
	// codes retryable even though CommandError is non-retryable by
	// default.
	RetryableExitCodes map[int]bool
	// ShouldRetryFn overrides the default classification entirely when set.
	ShouldRetryFn func(err error, attempt int) bool
	OnRetry       func(attempt int, err error)
}

// DefaultRetryPolicy returns the spec-mandated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Strategy:     StrategyExponential,
	}
}

// Delay returns the wait before the given attempt (attempt 1 is the
// first retry, i.e. the delay before the 2nd overall try).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	var d time.Duration

	switch p.Strategy {
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case StrategyFibonacci:
		a, b := 1, 1
		for i := 1; i < attempt; i++ {
			a, b = b, a+b
		}

		d = p.InitialDelay * time.Duration(a)
	case StrategyCustom:
		if p.CustomDelay != nil {
			d = p.CustomDelay(attempt)
		}
	default: // StrategyExponential
		d = p.InitialDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.JitterFactor > 0 {
		jitter := float64(d) * p.JitterFactor * (rand.Float64()*2 - 1)
		d += time.Duration(jitter)

		if d < 0 {
			d = 0
		}
	}

	return d
}

// ShouldRetry classifies err for retry at the given attempt number,
// per spec.md §7: ConnectionError (non-auth), TimeoutError, an
// AdapterError flagged Transient, and a CommandError whose exit code
// is in RetryableExitCodes are retryable by default; everything else,
// including AuthenticationError/ValidationError/CancelledError, is
// not.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if p.ShouldRetryFn != nil {
		return p.ShouldRetryFn(err, attempt)
	}

	if attempt >= p.MaxAttempts {
		return false
	}

	e, ok := err.(*Error)
	if !ok {
		return false
	}

	switch e.Kind {
	case KindConnection:
		return true
	case KindTimeout:
		return true
	case KindAdapter:
		return e.Transient
	case KindCommand:
		if e.ExitCode == nil {
			return false
		}

		return p.RetryableExitCodes[*e.ExitCode]
	default:
		return false
	}
}
