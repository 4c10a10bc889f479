package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardkit/shardkit/clientlibrary/config"
	"github.com/shardkit/shardkit/clientlibrary/metrics"
	"github.com/shardkit/shardkit/clientlibrary/statestore"
	"github.com/shardkit/shardkit/clientlibrary/streamgateway"
	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

func testConfig() config.Configuration {
	return config.Configuration{
		StateStoreReadCap:           10,
		StateStoreWriteCap:          10,
		TableSuffix:                 "KinesisState",
		Heartbeat:                   15 * time.Millisecond,
		HeartbeatTimeout:            2 * time.Second,
		EmptyReceiveDelay:           5 * time.Millisecond,
		MaxStateStoreRetries:        3,
		MaxStreamRetries:            3,
		CheckStreamChangesFrequency: time.Minute,
	}
}

func newTestWorker(sg streamgateway.Gateway, ss statestore.Gateway, processor shtypes.Processor, cfg config.Configuration) *Worker {
	return New("app", "shard-0", "worker-1", "stream", "appKinesisState", sg, ss, processor, cfg, metrics.NoopMonitoringService{}, zerolog.Nop())
}

func runWithTimeout(t *testing.T, w *Worker, ctx context.Context) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("worker.Run did not return in time")
		return nil
	}
}

// recordingProcessor records every Process call and lets tests script
// per-attempt outcomes via a fail function.
type recordingProcessor struct {
	seen       []shtypes.Record
	fail       func(rec shtypes.Record, attempt int) error
	mode       shtypes.ErrorHandlingMode
	exceeded   []shtypes.Record
	attemptNum map[shtypes.SequenceNumber]int
}

func newRecordingProcessor(mode shtypes.ErrorHandlingMode) *recordingProcessor {
	return &recordingProcessor{mode: mode, attemptNum: make(map[shtypes.SequenceNumber]int)}
}

func (p *recordingProcessor) Process(rec shtypes.Record) error {
	p.seen = append(p.seen, rec)
	p.attemptNum[rec.SequenceNumber]++
	if p.fail == nil {
		return nil
	}
	return p.fail(rec, p.attemptNum[rec.SequenceNumber])
}

func (p *recordingProcessor) GetErrorHandlingMode(shtypes.Record, error) shtypes.ErrorHandlingMode {
	return p.mode
}

func (p *recordingProcessor) OnMaxRetryExceeded(rec shtypes.Record, _ shtypes.ErrorHandlingMode) {
	p.exceeded = append(p.exceeded, rec)
}

func TestWorkerHappyPathProcessesInOrderAndCheckpoints(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	sg.SeedRecords("shard-0",
		shtypes.Record{SequenceNumber: "1"},
		shtypes.Record{SequenceNumber: "2"},
		shtypes.Record{SequenceNumber: "3"},
	)
	sg.CloseShard("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndSkip(0))

	w := newTestWorker(sg, ss, proc, testConfig())
	err := runWithTimeout(t, w, context.Background())
	require.NoError(t, err)

	require.Len(t, proc.seen, 3)
	assert.Equal(t, shtypes.SequenceNumber("1"), proc.seen[0].SequenceNumber)
	assert.Equal(t, shtypes.SequenceNumber("2"), proc.seen[1].SequenceNumber)
	assert.Equal(t, shtypes.SequenceNumber("3"), proc.seen[2].SequenceNumber)
	assert.Equal(t, []shtypes.SequenceNumber{"3"}, ss.Checkpoints["shard-0"])
}

func TestWorkerRetryAndSkipAdvancesPastFailedRecord(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	sg.SeedRecords("shard-0",
		shtypes.Record{SequenceNumber: "1"},
		shtypes.Record{SequenceNumber: "2"},
		shtypes.Record{SequenceNumber: "3"},
	)
	sg.CloseShard("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndSkip(1))
	proc.fail = func(rec shtypes.Record, attempt int) error {
		if rec.SequenceNumber == "2" {
			return assert.AnError
		}
		return nil
	}

	w := newTestWorker(sg, ss, proc, testConfig())
	err := runWithTimeout(t, w, context.Background())
	require.NoError(t, err)

	// record "2" is attempted twice (1 retry) then skipped.
	assert.Equal(t, 2, proc.attemptNum["2"])
	require.Len(t, proc.exceeded, 1)
	assert.Equal(t, shtypes.SequenceNumber("2"), proc.exceeded[0].SequenceNumber)
	assert.Equal(t, []shtypes.SequenceNumber{"3"}, ss.Checkpoints["shard-0"])
}

func TestWorkerRetryAndStopReprocessesFromLastSuccess(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	sg.SeedRecords("shard-0",
		shtypes.Record{SequenceNumber: "1"},
		shtypes.Record{SequenceNumber: "2"},
		shtypes.Record{SequenceNumber: "3"},
	)
	sg.CloseShard("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndStop(0))
	proc.fail = func(rec shtypes.Record, attempt int) error {
		// "2" fails the first time it is seen, then succeeds once the
		// worker re-fetches and retries it.
		if rec.SequenceNumber == "2" && attempt == 1 {
			return assert.AnError
		}
		return nil
	}

	w := newTestWorker(sg, ss, proc, testConfig())
	err := runWithTimeout(t, w, context.Background())
	require.NoError(t, err)

	// "1" succeeds, "2" fails and stops the batch after checkpointing
	// "1"; the worker re-fetches AtSequenceNumber("1") per spec §9,
	// which replays "1" before reaching "2" again.
	var seqs []shtypes.SequenceNumber
	for _, r := range proc.seen {
		seqs = append(seqs, r.SequenceNumber)
	}
	assert.Equal(t, []shtypes.SequenceNumber{"1", "2", "1", "2", "3"}, seqs)
	assert.Equal(t, []shtypes.SequenceNumber{"1", "3"}, ss.Checkpoints["shard-0"])
}

func TestWorkerRetryAndStopOnFirstRecordLeavesCheckpointUnchanged(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	sg.SeedRecords("shard-0",
		shtypes.Record{SequenceNumber: "1"},
		shtypes.Record{SequenceNumber: "2"},
	)
	sg.CloseShard("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndStop(0))
	proc.fail = func(rec shtypes.Record, attempt int) error {
		if rec.SequenceNumber == "1" && attempt == 1 {
			return assert.AnError
		}
		return nil
	}

	w := newTestWorker(sg, ss, proc, testConfig())
	err := runWithTimeout(t, w, context.Background())
	require.NoError(t, err)

	var seqs []shtypes.SequenceNumber
	for _, r := range proc.seen {
		seqs = append(seqs, r.SequenceNumber)
	}
	assert.Equal(t, []shtypes.SequenceNumber{"1", "1", "2"}, seqs)
	// no checkpoint write happened for the aborted k=0 batch.
	assert.Equal(t, []shtypes.SequenceNumber{"2"}, ss.Checkpoints["shard-0"])
}

func TestWorkerLosesOwnershipOnHeartbeatConditionalFailure(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndSkip(0))

	w := newTestWorker(sg, ss, proc, testConfig())

	// After the worker claims the shard, force the next conditional
	// write (the next heartbeat) to fail as if another worker had taken
	// over.
	go func() {
		time.Sleep(5 * time.Millisecond)
		ss.FailConditional["shard-0"] = 1
	}()

	err := runWithTimeout(t, w, context.Background())
	assert.ErrorIs(t, err, shtypes.ErrOwnershipLost)
}

func TestWorkerResumesFromStaleRowAfterLastCheckpoint(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	sg.SeedRecords("shard-0",
		shtypes.Record{SequenceNumber: "5"},
		shtypes.Record{SequenceNumber: "6"},
		shtypes.Record{SequenceNumber: "7"},
	)
	sg.CloseShard("shard-0")
	ss := statestore.NewFake()
	ss.SeedRow("shard-0", "worker-0", time.Now().Add(-time.Hour), "5")
	proc := newRecordingProcessor(shtypes.RetryAndSkip(0))

	w := newTestWorker(sg, ss, proc, testConfig())
	err := runWithTimeout(t, w, context.Background())
	require.NoError(t, err)

	require.Len(t, proc.seen, 2)
	assert.Equal(t, shtypes.SequenceNumber("6"), proc.seen[0].SequenceNumber)
	assert.Equal(t, shtypes.SequenceNumber("7"), proc.seen[1].SequenceNumber)
}

func TestWorkerStopIsIdempotentAndExitsCleanlyOnEmptyShard(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndSkip(0))

	w := newTestWorker(sg, ss, proc, testConfig())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	w.Stop()
	w.Stop() // idempotent

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker.Run did not return after Stop")
	}
	assert.Equal(t, StateDisposed, w.State())
}

func TestWorkerEmitsLifecycleEvents(t *testing.T) {
	sg := streamgateway.NewFake()
	sg.SetShards("shard-0")
	sg.SeedRecords("shard-0", shtypes.Record{SequenceNumber: "1"})
	sg.CloseShard("shard-0")
	ss := statestore.NewFake()
	proc := newRecordingProcessor(shtypes.RetryAndSkip(0))

	w := newTestWorker(sg, ss, proc, testConfig())
	var kinds []EventKind
	w.OnEvent = func(ev Event) { kinds = append(kinds, ev.Kind) }

	err := runWithTimeout(t, w, context.Background())
	require.NoError(t, err)

	assert.Contains(t, kinds, Initialized)
	assert.Contains(t, kinds, BatchReceived)
	assert.Contains(t, kinds, RecordProcessed)
	assert.Contains(t, kinds, CheckpointUpdated)
	assert.Contains(t, kinds, BatchProcessed)
}
