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


package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/poiesic/convey/ingest"
)

// Entry is one recorded failure: which job, which record, how it was
// classified, and how many attempts were spent on it. Entries are
// appended and never mutated.
type Entry struct {
	Job       string      // input file the record came from
	RecordID  string      // stable record identifier, or file offset
	Kind      ingest.Kind // severity after retry handling
	Message   string
	Attempts  int
	Timestamp time.Time
}

// Counts is a point-in-time view of the run's accounting. The invariant
// Attempted = Succeeded + Permanent + Fatal always holds.
type Counts struct {
	Attempted uint64
	Succeeded uint64
	Permanent uint64
	Fatal     uint64
	Retries   uint64
}

// Registry is the process-wide accumulator of failures for one run.
// It is created when a run starts, written by all concurrent tasks, and
// read by the report generator after the tasks drain. Safe for
// concurrent use; entries are ordered by insertion only.
type Registry struct {
	mu      sync.Mutex
	entries []Entry

	succeeded atomic.Uint64
	permanent atomic.Uint64
	fatal     atomic.Uint64
	retries   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RecordSuccess counts one record as successfully ingested.
func (r *Registry) RecordSuccess() {
	r.succeeded.Add(1)
}

// RecordFailure appends a failure entry and counts the record under its
// severity. Transient entries count as permanent: a transient error only
// reaches the registry once retries are exhausted.
func (r *Registry) RecordFailure(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	switch e.Kind {
	case ingest.Fatal:
		r.fatal.Add(1)
	default:
		r.permanent.Add(1)
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// AddRetries adds n to the run's retry counter.
func (r *Registry) AddRetries(n int) {
	if n > 0 {
		r.retries.Add(uint64(n))
	}
}

// Snapshot returns a copy of all entries recorded so far.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]Entry, len(r.entries))
	copy(snapshot, r.entries)
	return snapshot
}

// Counts returns the current counters. Attempted is derived, never
// incremented separately, so no record can be double counted.
func (r *Registry) Counts() Counts {
	succeeded := r.succeeded.Load()
	permanent := r.permanent.Load()
	fatal := r.fatal.Load()
	return Counts{
		Attempted: succeeded + permanent + fatal,
		Succeeded: succeeded,
		Permanent: permanent,
		Fatal:     fatal,
		Retries:   r.retries.Load(),
	}
}
