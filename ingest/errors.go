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


package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an ingestion error by severity.
type Kind int

const (
	// Transient errors (network failures, timeouts, rate limits) are
	// retry-eligible.
	Transient Kind = iota + 1
	// Permanent errors (malformed record, constraint violation) skip
	// the record; it is logged, never retried.
	Permanent
	// Fatal errors (authentication failure, unreachable backend) abort
	// the remaining work for the backend.
	Fatal
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified ingestion failure.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "postgres: upsert"
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retry-eligible failure.
func TransientError(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// PermanentError wraps err as a record-level, non-retryable failure.
func PermanentError(op string, err error) *Error {
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// FatalError wraps err as a session-level failure that aborts remaining work.
func FatalError(op string, err error) *Error {
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// KindOf returns the severity of err. Classified errors report their
// own kind; context cancellation is fatal to the run; anything else
// falls back to message-based classification.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	return Classify(err)
}

// transientMarkers are message fragments that indicate a retryable
// condition when a backend driver returns an unclassified error.
var transientMarkers = []string{
	"timeout",
	"connection",
	"too many clients",
	"busy",
	"server selection",
	"connection reset",
	"service unavailable",
	"rate limit",
}

// Classify assigns a severity to an unclassified error by inspecting
// its message. Unknown errors default to Permanent: the record is
// skipped and logged rather than retried forever or halting the run.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	return Permanent
}
