// SPDX-License-Identifier: GPL-2.0-only

package discovery

import (
	"errors"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/usbip-hostagent/deviceplane/internal/clock"
	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

// RetryPolicy is the concrete shape of spec §4.3's retry configuration
// (also reused, unmodified, by C5 wherever a registry-facing call needs the
// same budget).
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	JitterFraction    float64
}

// DefaultRetryPolicy matches spec §4.3/§6's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		JitterFraction:    0.1,
	}
}

// Retrier wraps every registry-facing call in policy-governed retry. Only
// transient codes (per usberr.Map's RecoveryHint.Recoverable) are retried;
// anything else propagates on the first attempt.
type Retrier struct {
	policy RetryPolicy
	clk    clock.Clock
	logger log.Logger

	retriesTotal func(operation, outcome string)
}

// NewRetrier constructs a Retrier. logger may be nil (defaults to a no-op).
func NewRetrier(policy RetryPolicy, clk clock.Clock, logger log.Logger) *Retrier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Retrier{policy: policy, clk: clk, logger: logger}
}

// SetMetrics wires the registry_retries_total{operation,outcome} counter.
func (r *Retrier) SetMetrics(inc func(operation, outcome string)) {
	r.retriesTotal = inc
}

// Do runs fn, retrying on recoverable usberr.Error results per the policy.
// operation names the call for logging/metrics. fn must itself translate
// any registry return code through usberr.Map before returning an error,
// so Do can inspect *usberr.Error to decide whether to retry.
func (r *Retrier) Do(operation string, fn func(attempt int) error) error {
	var lastErr error
	delay := r.policy.BaseDelay
	for attempt := 1; attempt <= r.policy.MaxRetries+1; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			if attempt > 1 {
				_ = level.Info(r.logger).Log("msg", "succeeded after retry", "operation", operation, "attempt", attempt)
				r.recordOutcome(operation, "retried_success")
			}
			return nil
		}
		var uerr *usberr.Error
		ok := errors.As(lastErr, &uerr)
		if !ok || attempt > r.policy.MaxRetries {
			r.recordOutcome(operation, "failed")
			return lastErr
		}
		if !r.recoverable(uerr) {
			r.recordOutcome(operation, "non_retryable")
			return lastErr
		}
		_ = level.Debug(r.logger).Log("msg", "retrying after transient error", "operation", operation, "attempt", attempt, "err", uerr)
		r.clk.Sleep(r.jittered(delay))
		delay = r.nextDelay(delay)
	}
	r.recordOutcome(operation, "exhausted")
	return lastErr
}

func (r *Retrier) recoverable(err *usberr.Error) bool {
	switch err.Kind {
	case usberr.KindTooManyRequests, usberr.KindTimeout:
		return true
	default:
		return false
	}
}

func (r *Retrier) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * r.policy.BackoffMultiplier)
	if next > r.policy.MaxDelay {
		next = r.policy.MaxDelay
	}
	return next
}

func (r *Retrier) jittered(d time.Duration) time.Duration {
	if r.policy.JitterFraction <= 0 {
		return d
	}
	jitter := float64(d) * r.policy.JitterFraction
	offset := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(offset)
}

func (r *Retrier) recordOutcome(operation, outcome string) {
	if r.retriesTotal != nil {
		r.retriesTotal(operation, outcome)
	}
}
