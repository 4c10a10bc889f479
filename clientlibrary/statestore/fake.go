package statestore

import (
	"context"
	"sync"
	"time"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// Fake is an in-memory Gateway used by worker and controller tests. It
// enforces the same conditional-ownership rules as DynamoGateway so tests
// can exercise ownership-loss and takeover paths without AWS.
type Fake struct {
	mu   sync.Mutex
	rows map[shtypes.ShardId]*fakeRow

	// Checkpoints records every value passed to UpdateCheckpoint, in call
	// order, per shard — this is what tests assert checkpoint progress
	// against.
	Checkpoints map[shtypes.ShardId][]shtypes.SequenceNumber

	// FailConditional forces the next N conditional writes for a shard to
	// fail with ErrConditionalCheckFailed, simulating another node
	// winning the race.
	FailConditional map[shtypes.ShardId]int
}

type fakeRow struct {
	workerID       shtypes.WorkerId
	lastHeartbeat  time.Time
	lastCheckpoint shtypes.SequenceNumber
	hasCheckpoint  bool
}

func NewFake() *Fake {
	return &Fake{
		rows:            make(map[shtypes.ShardId]*fakeRow),
		Checkpoints:     make(map[shtypes.ShardId][]shtypes.SequenceNumber),
		FailConditional: make(map[shtypes.ShardId]int),
	}
}

// SeedRow pre-populates a row, bypassing the conditional-write rules, so
// tests can set up resume scenarios (S6).
func (f *Fake) SeedRow(shard shtypes.ShardId, worker shtypes.WorkerId, heartbeatAt time.Time, checkpoint shtypes.SequenceNumber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[shard] = &fakeRow{workerID: worker, lastHeartbeat: heartbeatAt, lastCheckpoint: checkpoint, hasCheckpoint: checkpoint != ""}
}

func (f *Fake) EnsureTable(_ context.Context, appName string, _, _ int64, suffix string) (shtypes.TableName, error) {
	return shtypes.TableName(appName + suffix), nil
}

func (f *Fake) consumeConditionalFailure(shard shtypes.ShardId) bool {
	if n := f.FailConditional[shard]; n > 0 {
		f.FailConditional[shard] = n - 1
		return true
	}
	return false
}

func (f *Fake) CreateShardRow(_ context.Context, _ shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, heartbeatTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeConditionalFailure(shard) {
		return shtypes.ErrConditionalCheckFailed
	}

	now := time.Now().UTC()
	existing, ok := f.rows[shard]
	if ok && now.Sub(existing.lastHeartbeat) <= heartbeatTimeout {
		return shtypes.ErrConditionalCheckFailed
	}
	claimed := &fakeRow{workerID: worker, lastHeartbeat: now}
	if ok {
		claimed.lastCheckpoint, claimed.hasCheckpoint = existing.lastCheckpoint, existing.hasCheckpoint
	}
	f.rows[shard] = claimed
	return nil
}

func (f *Fake) ReadShardStatus(_ context.Context, _ shtypes.TableName, shard shtypes.ShardId, caller shtypes.WorkerId, heartbeatTimeout time.Duration, now time.Time) (shtypes.ShardStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[shard]
	if !ok {
		return shtypes.ShardStatus{}, ErrRowNotFound
	}

	fresh := now.Sub(r.lastHeartbeat) <= heartbeatTimeout
	if fresh {
		if r.workerID == caller && !r.hasCheckpoint {
			return shtypes.ShardStatus{Kind: shtypes.StatusNew, WorkerId: r.workerID, CreatedAt: r.lastHeartbeat}, nil
		}
		return shtypes.ShardStatus{Kind: shtypes.StatusProcessing, WorkerId: r.workerID, LastSeq: r.lastCheckpoint}, nil
	}
	return shtypes.ShardStatus{Kind: shtypes.StatusNotProcessing, WorkerId: r.workerID, LastHeartbeat: r.lastHeartbeat, LastSeq: r.lastCheckpoint}, nil
}

func (f *Fake) UpdateHeartbeat(_ context.Context, _ shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeConditionalFailure(shard) {
		return shtypes.ErrConditionalCheckFailed
	}
	r, ok := f.rows[shard]
	if !ok || r.workerID != worker {
		return shtypes.ErrConditionalCheckFailed
	}
	r.lastHeartbeat = now
	return nil
}

func (f *Fake) UpdateCheckpoint(_ context.Context, _ shtypes.TableName, worker shtypes.WorkerId, shard shtypes.ShardId, seq shtypes.SequenceNumber, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeConditionalFailure(shard) {
		return shtypes.ErrConditionalCheckFailed
	}
	r, ok := f.rows[shard]
	if !ok || r.workerID != worker {
		return shtypes.ErrConditionalCheckFailed
	}
	r.lastCheckpoint = seq
	r.hasCheckpoint = true
	r.lastHeartbeat = now
	f.Checkpoints[shard] = append(f.Checkpoints[shard], seq)
	return nil
}
