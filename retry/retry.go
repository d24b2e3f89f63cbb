// Copyright 2025 Poiesic Systems
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


package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/poiesic/convey/ingest"
)

var (
	// ErrInvalidMaxAttempts is returned when MaxAttempts is <= 0
	ErrInvalidMaxAttempts = errors.New("MaxAttempts must be greater than 0")
)

// Policy describes how an operation is retried. A Policy is a pure
// decision function of (error kind, attempt number); it is safe to
// create once and share across all concurrent tasks.
type Policy struct {
	// MaxAttempts bounds the total number of attempts (must be > 0).
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; each further
	// attempt multiplies it by Multiplier.
	BaseDelay time.Duration

	// MaxDelay caps the delay between any two attempts.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor (values < 1 are
	// treated as 2).
	Multiplier float64

	// Jitter is the random spread applied to each delay as a fraction
	// in [0, 1]; 0 disables jitter.
	Jitter float64

	// EscalateOnExhaust promotes the last transient error to Fatal when
	// all attempts are used up, instead of reporting it as a skipped
	// record.
	EscalateOnExhaust bool
}

// DefaultPolicy returns a Policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Do runs operation, retrying transient failures with exponential
// backoff. It returns the number of attempts made and the final error.
// Permanent and fatal errors stop retrying immediately. When attempts
// are exhausted the last transient error is returned as-is, or wrapped
// as fatal if EscalateOnExhaust is set. The delay between attempts is
// context-aware: cancellation during a backoff sleep aborts the loop.
func (p *Policy) Do(ctx context.Context, operation func() error) (int, error) {
	if p.MaxAttempts <= 0 {
		return 0, ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		// Check context before attempting
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return attempt, nil
		}

		if kind := ingest.KindOf(lastErr); kind != ingest.Transient {
			slog.Debug("operation failed, not retryable", "attempt", attempt, "kind", kind, "error", lastErr)
			return attempt, lastErr
		}

		// Don't sleep after the last attempt
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		slog.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", p.MaxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	if p.EscalateOnExhaust {
		return p.MaxAttempts, ingest.FatalError("retry exhausted", lastErr)
	}
	return p.MaxAttempts, lastErr
}

// Delay returns the backoff before attempt+1: BaseDelay *
// Multiplier^(attempt-1), capped at MaxDelay, with Jitter applied.
func (p *Policy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}

	if p.Jitter > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		delay *= spread
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
