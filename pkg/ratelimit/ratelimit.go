// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit wraps every upstream call in a shared retry harness. One
// Limiter exists per upstream and is shared by all concurrent callers; it
// tracks the upstream's published rate-limit budget and paces, backs off, and
// retries around transient failures. Callers only ever see terminal errors.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// lowRemaining is the budget floor below which the limiter sleeps until the
// published reset instead of spending the last requests of a window.
const lowRemaining = 100

// resetSlack is added on top of a published reset hint before resuming.
const resetSlack = 10 * time.Second

// ErrRateLimited marks a rate-limit failure reported in a response payload
// rather than a status code, such as a GraphQL errors array mentioning a rate
// limit on an HTTP 200. It is retryable.
var ErrRateLimited = errors.New("upstream reported rate limit")

// StatusError is a non-2xx HTTP response from an upstream.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Config tunes the retry harness.
type Config struct {
	// MaxRetries is the retry ceiling for transient failures.
	MaxRetries uint64

	// InitialDelay seeds the exponential backoff: 1x, 2x, 4x between
	// attempts.
	InitialDelay time.Duration

	// RequestsPerSecond paces outgoing requests client-side. Zero disables
	// pacing.
	RequestsPerSecond float64
}

// Limiter is the per-upstream shared rate-limit state and retry harness.
type Limiter struct {
	maxRetries   uint64
	initialDelay time.Duration
	pacer        *rate.Limiter

	mu        sync.Mutex
	remaining int
	reset     time.Time

	calls atomic.Int64

	// Injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Limiter for one upstream.
func New(cfg *Config) *Limiter {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialDelay := cfg.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 1 * time.Second
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Limiter{
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		pacer:        pacer,
		remaining:    -1,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Calls returns how many attempts the limiter has issued. The orchestrator
// reads it into the run's api_calls counter.
func (l *Limiter) Calls() int64 {
	return l.calls.Load()
}

// UpdateFromHeaders records the upstream's published budget from
// X-RateLimit-Remaining and X-RateLimit-Reset (seconds since epoch). Headers
// that are absent leave the state untouched.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	remaining, remErr := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	resetEpoch, resetErr := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)

	l.mu.Lock()
	defer l.mu.Unlock()
	if remErr == nil {
		l.remaining = remaining
	}
	if resetErr == nil {
		l.reset = time.Unix(resetEpoch, 0)
	}
}

// Do runs f under the harness: pace, run, classify, back off, retry. Attempts
// are separated by exponential backoff seeded at InitialDelay, capped at
// MaxRetries retries. When the upstream published a reset hint and the
// remaining budget is below lowRemaining or a 429 was observed, the harness
// additionally sleeps until the reset plus slack before the next attempt.
func (l *Limiter) Do(ctx context.Context, f func(context.Context) error) error {
	backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(l.initialDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := l.waitBudget(ctx); err != nil {
			return err
		}

		l.calls.Add(1)
		err := f(ctx)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			if isRateLimit(err) {
				l.markExhausted()
			}
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("upstream call failed: %w", err)
	}
	return nil
}

// waitBudget paces the request and, when the remaining budget is below the
// floor and a reset hint is known, sleeps until max(0, reset-now) plus slack.
func (l *Limiter) waitBudget(ctx context.Context) error {
	if err := l.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}

	l.mu.Lock()
	remaining, reset := l.remaining, l.reset
	l.mu.Unlock()

	if remaining >= 0 && remaining < lowRemaining && !reset.IsZero() {
		wait := reset.Sub(l.now())
		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait+resetSlack); err != nil {
			return err
		}
		l.mu.Lock()
		// The window rolled over; forget the stale budget.
		l.remaining = -1
		l.reset = time.Time{}
		l.mu.Unlock()
	}
	return nil
}

// markExhausted flags the budget as spent so the next attempt honors the
// reset hint even when the 429 response carried no headers of its own.
func (l *Limiter) markExhausted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining < 0 || l.remaining >= lowRemaining {
		l.remaining = 0
	}
}

// IsRetryable classifies an error as transient: network failures, HTTP 429,
// HTTP 5xx, and upstream rate-limit payloads. Everything else is terminal and
// propagates to the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isRateLimit(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &abuseErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Want passthrough
	}
}
