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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/convey/checkpoint"
	"github.com/poiesic/convey/core"
	"github.com/poiesic/convey/ingest"
	"github.com/poiesic/convey/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIngestor records every ingested sequence number and counts
// finalize calls. IngestFunc and FinalizeFunc, if set, decide the
// outcome per record and per flush.
type fakeIngestor struct {
	IngestFunc   func(record core.Record) error
	FinalizeFunc func() error

	mu            sync.Mutex
	ingested      []int64
	finalizeCalls atomic.Int32
	closed        atomic.Bool
}

func (f *fakeIngestor) IngestRecord(ctx context.Context, record core.Record, schema *core.Schema) error {
	if f.IngestFunc != nil {
		if err := f.IngestFunc(record); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq, ok := record["seq"].(int64); ok {
		f.ingested = append(f.ingested, seq)
	}
	return nil
}

func (f *fakeIngestor) Finalize(ctx context.Context) error {
	f.finalizeCalls.Add(1)
	if f.FinalizeFunc != nil {
		return f.FinalizeFunc()
	}
	return nil
}

func (f *fakeIngestor) Close() error {
	f.closed.Store(true)
	return nil
}

func seq(record core.Record) int64 {
	v, _ := record["seq"].(int64)
	return v
}

// writeDataset writes `files` NDJSON files of `perFile` records each
// into a temp dir and returns the dir. Sequence numbers are global
// across files.
func writeDataset(t *testing.T, files, perFile int) string {
	t.Helper()
	dir := t.TempDir()
	n := 0
	for i := 0; i < files; i++ {
		var lines []byte
		for j := 0; j < perFile; j++ {
			lines = append(lines, fmt.Sprintf("{\"seq\": %d, \"name\": \"rec-%d\"}\n", n, n)...)
			n++
		}
		path := filepath.Join(dir, fmt.Sprintf("part-%02d.ndjson", i))
		require.NoError(t, os.WriteFile(path, lines, 0o644))
	}
	return dir
}

func fastRetryPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func newTestDispatcher(t *testing.T, ing ingest.Ingestor, reg *Registry, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(fastRetryPolicy())}, opts...)
	d, err := NewDispatcher(ing, reg, opts...)
	require.NoError(t, err)
	t.Cleanup(d.Release)
	return d
}

func TestNewDispatcherRequiresIngestorAndRegistry(t *testing.T) {
	_, err := NewDispatcher(nil, NewRegistry())
	assert.ErrorIs(t, err, ErrIngestorRequired)

	_, err = NewDispatcher(&fakeIngestor{}, nil)
	assert.ErrorIs(t, err, ErrRegistryRequired)
}

func TestRunIngestsAllRecords(t *testing.T) {
	dir := writeDataset(t, 4, 25)
	ing := &fakeIngestor{}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg)

	report, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, 4, report.TotalFiles)
	assert.Equal(t, uint64(100), report.Succeeded)
	assert.Equal(t, uint64(100), report.Attempted)
	assert.False(t, report.HasFailures())
	assert.Len(t, ing.ingested, 100)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	dir := writeDataset(t, 2, 50)

	var failed sync.Map
	ing := &fakeIngestor{
		IngestFunc: func(record core.Record) error {
			s := seq(record)
			if s == 10 || s == 50 {
				if _, done := failed.LoadOrStore(s, true); !done {
					return ingest.TransientError("fake", errors.New("connection reset"))
				}
			}
			return nil
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg)

	report, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(100), report.Succeeded)
	assert.Equal(t, uint64(0), report.FailedRecords)
	assert.GreaterOrEqual(t, report.Retries, uint64(2))
}

func TestRunSkipsPermanentFailures(t *testing.T) {
	dir := writeDataset(t, 1, 50)

	ing := &fakeIngestor{
		IngestFunc: func(record core.Record) error {
			if s := seq(record); s == 3 || s == 17 || s == 42 {
				return ingest.PermanentError("fake", errors.New("malformed"))
			}
			return nil
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg)

	report, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, uint64(47), report.Succeeded)
	assert.Equal(t, uint64(3), report.FailedRecords)
	assert.Equal(t, uint64(50), report.Attempted)
	assert.True(t, report.HasFailures())
	assert.Len(t, report.Failures, 3)
}

func TestRunExhaustedTransientDegradesToPermanent(t *testing.T) {
	dir := writeDataset(t, 1, 10)

	ing := &fakeIngestor{
		IngestFunc: func(record core.Record) error {
			if seq(record) == 5 {
				return ingest.TransientError("fake", errors.New("timeout"))
			}
			return nil
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg)

	report, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(9), report.Succeeded)
	assert.Equal(t, uint64(1), report.FailedRecords)
	assert.Equal(t, uint64(0), report.AbortedRecords)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "permanent", report.Failures[0].Kind)
	assert.Equal(t, 5, report.Failures[0].Attempts)
}

func TestRunHaltsOnFatal(t *testing.T) {
	dir := writeDataset(t, 1, 20)

	ing := &fakeIngestor{
		IngestFunc: func(record core.Record) error {
			if seq(record) == 5 {
				return ingest.FatalError("fake", errors.New("authentication failed"))
			}
			return nil
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg, WithConcurrency(1))

	report, err := d.Run(context.Background(), dir, nil)
	require.ErrorIs(t, err, ErrHalted)

	assert.Equal(t, StateHalted, d.State())
	assert.True(t, report.Halted)
	assert.Equal(t, uint64(1), report.AbortedRecords)
	// Records past the fatal one are never attempted.
	assert.Less(t, report.Attempted, uint64(20))
	assert.Equal(t, report.Succeeded+report.FailedRecords+report.AbortedRecords, report.Attempted)
}

func TestRunStrictHaltsOnPermanentFailure(t *testing.T) {
	dir := writeDataset(t, 1, 20)

	ing := &fakeIngestor{
		IngestFunc: func(record core.Record) error {
			if seq(record) == 5 {
				return ingest.PermanentError("fake", errors.New("malformed"))
			}
			return nil
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg, WithStrict(true), WithConcurrency(1))

	report, err := d.Run(context.Background(), dir, nil)
	require.ErrorIs(t, err, ErrHalted)
	assert.True(t, report.Halted)
	assert.Less(t, report.Attempted, uint64(20))
}

func TestRunWithoutStrictToleratesDecodeFailure(t *testing.T) {
	dir := writeDataset(t, 1, 10)
	bad := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	ing := &fakeIngestor{}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg)

	report, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalFiles)
	assert.Equal(t, uint64(10), report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, bad, report.Failures[0].Job)
}

func TestRunBoundsConcurrency(t *testing.T) {
	// Ten times as many jobs as permits.
	dir := writeDataset(t, 20, 5)

	var current, peak atomic.Int32
	ing := &fakeIngestor{
		IngestFunc: func(record core.Record) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			return nil
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg, WithConcurrency(2))

	_, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunFinalizesExactlyOnce(t *testing.T) {
	t.Run("clean run", func(t *testing.T) {
		dir := writeDataset(t, 2, 5)
		ing := &fakeIngestor{}
		d := newTestDispatcher(t, ing, NewRegistry())

		_, err := d.Run(context.Background(), dir, nil)
		require.NoError(t, err)
		assert.Equal(t, int32(1), ing.finalizeCalls.Load())
	})

	t.Run("halted run still finalizes", func(t *testing.T) {
		dir := writeDataset(t, 1, 10)
		ing := &fakeIngestor{
			IngestFunc: func(record core.Record) error {
				return ingest.FatalError("fake", errors.New("authentication failed"))
			},
		}
		d := newTestDispatcher(t, ing, NewRegistry())

		_, err := d.Run(context.Background(), dir, nil)
		require.ErrorIs(t, err, ErrHalted)
		assert.Equal(t, int32(1), ing.finalizeCalls.Load())
	})
}

func TestRunSkipsCheckpointedFiles(t *testing.T) {
	dir := writeDataset(t, 3, 10)
	store, err := checkpoint.Open("", true)
	require.NoError(t, err)
	defer store.Close()

	first := &fakeIngestor{}
	d1 := newTestDispatcher(t, first, NewRegistry(), WithCheckpoints(store))
	report, err := d1.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), report.Succeeded)

	second := &fakeIngestor{}
	d2 := newTestDispatcher(t, second, NewRegistry(), WithCheckpoints(store))
	report, err = d2.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), report.Attempted)
	assert.Empty(t, second.ingested)
}

func TestRunCheckpointInvalidatedByChangedContent(t *testing.T) {
	dir := writeDataset(t, 1, 5)
	store, err := checkpoint.Open("", true)
	require.NoError(t, err)
	defer store.Close()

	d1 := newTestDispatcher(t, &fakeIngestor{}, NewRegistry(), WithCheckpoints(store))
	_, err = d1.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	// Rewrite the file with different content; the fingerprint no
	// longer matches and the file must be re-ingested.
	path := filepath.Join(dir, "part-00.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"seq\": 99}\n"), 0o644))

	second := &fakeIngestor{}
	d2 := newTestDispatcher(t, second, NewRegistry(), WithCheckpoints(store))
	report, err := d2.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Succeeded)
	assert.Equal(t, []int64{99}, second.ingested)
}

func TestRunFinalizeFailureLeavesFilesUncheckpointed(t *testing.T) {
	dir := writeDataset(t, 1, 5)
	store, err := checkpoint.Open("", true)
	require.NoError(t, err)
	defer store.Close()

	// A backend that buffers every record and loses them all when the
	// final flush fails must not leave its files marked done.
	first := &fakeIngestor{
		FinalizeFunc: func() error {
			return ingest.PermanentError("fake", errors.New("flush failed"))
		},
	}
	d1 := newTestDispatcher(t, first, NewRegistry(), WithCheckpoints(store))
	report, err := d1.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "fake: flush failed", report.FinalizeError)
	assert.True(t, report.HasFailures())

	// The re-run must process the file again, not skip it.
	second := &fakeIngestor{}
	d2 := newTestDispatcher(t, second, NewRegistry(), WithCheckpoints(store))
	report, err = d2.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), report.Attempted)
	assert.Len(t, second.ingested, 5)

	// A third run can now skip: the second run's finalize succeeded.
	third := &fakeIngestor{}
	d3 := newTestDispatcher(t, third, NewRegistry(), WithCheckpoints(store))
	report, err = d3.Run(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), report.Attempted)
}

func TestRunFinalizeFailureIsRunLevel(t *testing.T) {
	dir := writeDataset(t, 1, 5)
	ing := &fakeIngestor{
		FinalizeFunc: func() error {
			return ingest.PermanentError("fake", errors.New("flush failed"))
		},
	}
	reg := NewRegistry()
	d := newTestDispatcher(t, ing, reg)

	report, err := d.Run(context.Background(), dir, nil)
	require.NoError(t, err)

	// Per-record accounting stays exact: all five records succeeded and
	// the flush failure is reported separately.
	assert.Equal(t, uint64(5), report.Attempted)
	assert.Equal(t, uint64(5), report.Succeeded)
	assert.Equal(t, uint64(0), report.FailedRecords)
	assert.Empty(t, report.Failures)
	assert.NotEmpty(t, report.FinalizeError)
	assert.True(t, report.HasFailures())
}

func TestRunEnumerationFailure(t *testing.T) {
	d := newTestDispatcher(t, &fakeIngestor{}, NewRegistry())
	_, err := d.Run(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
	assert.Equal(t, StateHalted, d.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "halted", StateHalted.String())
	assert.Equal(t, "unknown", State(99).String())
}
