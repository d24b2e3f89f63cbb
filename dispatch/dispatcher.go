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
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/convey/checkpoint"
	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/ingest"
	"github.com/poiesic/convey/reader"
	"github.com/poiesic/convey/retry"
)

// State is the dispatcher's position in the run lifecycle.
type State int32

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota
	// StateEnumerating means input files are being listed.
	StateEnumerating
	// StateScheduling means file jobs are being submitted to the pool.
	StateScheduling
	// StateDraining means the dispatcher is waiting for outstanding tasks.
	StateDraining
	// StateFinalizing means the ingestor's buffered state is being flushed.
	StateFinalizing
	// StateDone is the terminal state of a completed run.
	StateDone
	// StateHalted is the terminal state of a run stopped by a fatal
	// condition or a strict-mode failure.
	StateHalted
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateScheduling:
		return "scheduling"
	case StateDraining:
		return "draining"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

const defaultConcurrency = 4

// Dispatcher coordinates one ingestion run against a single Ingestor
// instance. It owns the worker pool and the halt signal; the registry
// and retry policy are shared with the tasks it spawns.
type Dispatcher struct {
	ingestor ingest.Ingestor
	registry *Registry
	policy   *retry.Policy
	pool     *ants.Pool

	concurrency int
	strict      bool
	checkpoints *checkpoint.Store
	progress    io.Writer
	backend     string
	logger      *slog.Logger

	state        atomic.Int32
	halted       atomic.Bool
	finalizeOnce sync.Once
	finalizeErr  error

	pendingMu    sync.Mutex
	pendingMarks []pendingMark
}

// pendingMark is a cleanly ingested file awaiting its checkpoint mark.
// Marks are written only after finalize flushes the ingestor's buffers;
// marking earlier would let a failed flush strand records behind a done
// mark that the re-run then skips.
type pendingMark struct {
	file        string
	fingerprint core.ID
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// WithConcurrency bounds the number of file jobs in flight.
// Values below 1 are clamped to 1. Default is 4.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			n = 1
		}
		d.concurrency = n
		return nil
	}
}

// WithStrict makes any failure halt the whole run, not just fatal ones.
func WithStrict(strict bool) Option {
	return func(d *Dispatcher) error {
		d.strict = strict
		return nil
	}
}

// WithRetryPolicy sets the retry policy wrapping every record ingest.
// Default is retry.DefaultPolicy().
func WithRetryPolicy(p *retry.Policy) Option {
	return func(d *Dispatcher) error {
		if p != nil {
			d.policy = p
		}
		return nil
	}
}

// WithCheckpoints enables skip-on-rerun: files recorded as fully
// ingested with an unchanged fingerprint are not processed again.
func WithCheckpoints(store *checkpoint.Store) Option {
	return func(d *Dispatcher) error {
		d.checkpoints = store
		return nil
	}
}

// WithProgress sets where live progress is written. Nil disables it.
func WithProgress(w io.Writer) Option {
	return func(d *Dispatcher) error {
		d.progress = w
		return nil
	}
}

// WithBackendName names the backend in the report. Default "unknown".
func WithBackendName(name string) Option {
	return func(d *Dispatcher) error {
		if name != "" {
			d.backend = name
		}
		return nil
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		d.logger = logger
		return nil
	}
}

// NewDispatcher creates a dispatcher for one run. The ingestor and
// registry are required; everything else has defaults.
func NewDispatcher(ingestor ingest.Ingestor, registry *Registry, opts ...Option) (*Dispatcher, error) {
	if ingestor == nil {
		return nil, ErrIngestorRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	d := &Dispatcher{
		ingestor:    ingestor,
		registry:    registry,
		policy:      retry.DefaultPolicy(),
		concurrency: defaultConcurrency,
		backend:     "unknown",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	// Blocking submission on a full pool is the backpressure mechanism:
	// the scheduling loop suspends until a permit frees up.
	pool, err := ants.NewPool(d.concurrency)
	if err != nil {
		return nil, err
	}
	d.pool = pool
	return d, nil
}

// State returns the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
}

// Release frees the worker pool. The dispatcher must not be reused.
func (d *Dispatcher) Release() {
	if d.pool != nil {
		d.pool.Release()
	}
}

// Run executes one ingestion run over the file or directory at path.
// Every enumerated job is attempted exactly once; record-level failures
// are accounted in the registry and do not stop the run unless strict
// mode is on or a fatal error occurs. The returned report is always
// non-nil once enumeration succeeds; the error is ErrHalted when the
// run stopped early.
func (d *Dispatcher) Run(ctx context.Context, path string, schema *core.Schema) (*Report, error) {
	start := time.Now()

	d.setState(StateEnumerating)
	files, err := reader.Enumerate(path)
	if err != nil {
		d.setState(StateHalted)
		return nil, err
	}
	d.logger.Info("enumerated input files", "path", path, "files", len(files), "concurrency", d.concurrency)

	var tracker *ProgressTracker
	if d.progress != nil {
		tracker = NewProgressTracker(d.progress, len(files))
		tracker.Start()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.setState(StateScheduling)
	var wg sync.WaitGroup
	for _, file := range files {
		if runCtx.Err() != nil {
			break
		}
		if d.skipCheckpointed(file) {
			if tracker != nil {
				tracker.Increment(1)
			}
			continue
		}

		file := file
		wg.Add(1)
		submitErr := d.pool.Submit(func() {
			defer wg.Done()
			d.processFile(runCtx, cancel, file, schema)
			if tracker != nil {
				tracker.Increment(1)
			}
		})
		if submitErr != nil {
			wg.Done()
			d.logger.Error("failed to submit job", "file", file, "err", submitErr)
			d.registry.RecordFailure(Entry{
				Job:      file,
				Kind:     ingest.Fatal,
				Message:  submitErr.Error(),
				Attempts: 1,
			})
			d.halt(cancel)
			break
		}
	}

	d.setState(StateDraining)
	wg.Wait()
	if tracker != nil {
		tracker.Finish()
	}

	d.setState(StateFinalizing)
	finalizeErr := d.finalize(ctx)
	if finalizeErr != nil {
		d.logger.Error("finalize failed", "err", finalizeErr)
	} else {
		d.flushCheckpoints()
	}

	halted := d.halted.Load() || ctx.Err() != nil
	if halted {
		d.setState(StateHalted)
	} else {
		d.setState(StateDone)
	}

	report := BuildReport(d.backend, len(files), d.registry, time.Since(start), halted, finalizeErr)
	d.logger.Info("run complete", "state", d.State().String(), "summary", report.Summary())

	if halted {
		return report, ErrHalted
	}
	return report, nil
}

// skipCheckpointed reports whether the file was fully ingested by an
// earlier run and its contents are unchanged.
func (d *Dispatcher) skipCheckpointed(file string) bool {
	if d.checkpoints == nil {
		return false
	}
	fp, err := checkpoint.Fingerprint(file)
	if err != nil {
		return false
	}
	done, err := d.checkpoints.Done(file, fp)
	if err != nil {
		d.logger.Warn("checkpoint lookup failed", "file", file, "err", err)
		return false
	}
	if done {
		d.logger.Info("skipping checkpointed file", "file", file)
	}
	return done
}

// processFile decodes one file and drives its records through the
// ingestor. Each record is wrapped in the retry policy; outcomes are
// classified into the registry. A fatal outcome, or any outcome under
// strict mode, signals the halt to sibling tasks.
func (d *Dispatcher) processFile(ctx context.Context, cancel context.CancelFunc, file string, schema *core.Schema) {
	data, err := reader.DecodeFile(file, schema)
	if err != nil {
		d.logger.Error("failed to decode file", "file", file, "err", err)
		d.registry.RecordFailure(Entry{
			Job:      file,
			Kind:     ingest.Permanent,
			Message:  err.Error(),
			Attempts: 1,
		})
		if d.strict {
			d.halt(cancel)
		}
		return
	}

	clean := true
	for _, record := range data.Records {
		// Records past a halt are neither attempted nor counted.
		if ctx.Err() != nil {
			return
		}

		record := record
		attempts, err := d.policy.Do(ctx, func() error {
			return d.ingestor.IngestRecord(ctx, record, data.Schema)
		})
		d.registry.AddRetries(attempts - 1)

		if err == nil {
			d.registry.RecordSuccess()
			continue
		}
		if ctx.Err() != nil && attempts == 0 {
			// Canceled before the first attempt; not counted.
			return
		}

		clean = false
		kind := ingest.KindOf(err)
		if kind == ingest.Transient {
			// Exhausted retries degrade to a skipped record.
			kind = ingest.Permanent
		}
		d.registry.RecordFailure(Entry{
			Job:      file,
			RecordID: record.IdentityID().String(),
			Kind:     kind,
			Message:  err.Error(),
			Attempts: attempts,
		})

		if kind == ingest.Fatal {
			d.logger.Error("fatal ingestion error", "file", file, "err", err)
			d.halt(cancel)
			return
		}
		if d.strict {
			d.logger.Error("halting on failure (strict mode)", "file", file, "err", err)
			d.halt(cancel)
			return
		}
		d.logger.Warn("record skipped", "file", file, "attempts", attempts, "err", err)
	}

	if clean && d.checkpoints != nil {
		if fp, err := checkpoint.Fingerprint(file); err == nil {
			d.pendingMu.Lock()
			d.pendingMarks = append(d.pendingMarks, pendingMark{file: file, fingerprint: fp})
			d.pendingMu.Unlock()
		}
	}
}

// flushCheckpoints writes the marks for this run's clean files. Called
// only after finalize succeeds, so a mark always means the records are
// flushed to the backend, not just buffered.
func (d *Dispatcher) flushCheckpoints() {
	if d.checkpoints == nil {
		return
	}

	d.pendingMu.Lock()
	marks := d.pendingMarks
	d.pendingMarks = nil
	d.pendingMu.Unlock()

	for _, m := range marks {
		if err := d.checkpoints.MarkDone(m.file, m.fingerprint); err != nil {
			d.logger.Warn("failed to save checkpoint", "file", m.file, "err", err)
		}
	}
}

// halt signals cooperative cancellation to all in-flight tasks.
func (d *Dispatcher) halt(cancel context.CancelFunc) {
	d.halted.Store(true)
	cancel()
}

// finalize invokes Finalize exactly once per ingestor instance, even if
// some of its records failed or the run was halted. The finalize call
// itself runs under the retry policy with a fresh context so buffered
// data is not dropped because of a strict-mode cancel.
func (d *Dispatcher) finalize(ctx context.Context) error {
	d.finalizeOnce.Do(func() {
		finalizeCtx := context.WithoutCancel(ctx)
		_, d.finalizeErr = d.policy.Do(finalizeCtx, func() error {
			return d.ingestor.Finalize(finalizeCtx)
		})
	})
	return d.finalizeErr
}
