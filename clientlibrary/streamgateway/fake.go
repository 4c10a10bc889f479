package streamgateway

import (
	"context"
	"fmt"
	"sync"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// Fake is an in-memory Gateway used by worker and controller tests, and
// exported so application code can exercise the same shape without AWS.
// It models shards as pre-loaded record slices and closed-shard markers.
type Fake struct {
	mu      sync.Mutex
	shards  []shtypes.ShardId
	records map[shtypes.ShardId][]shtypes.Record
	closed  map[shtypes.ShardId]bool

	iterators map[string]iteratorState
	nextIter  int
}

type iteratorState struct {
	shard shtypes.ShardId
	pos   int // index into records[shard] of the next record to return
}

func NewFake() *Fake {
	return &Fake{
		records:   make(map[shtypes.ShardId][]shtypes.Record),
		closed:    make(map[shtypes.ShardId]bool),
		iterators: make(map[string]iteratorState),
	}
}

// SetShards replaces the set of shards the fake reports from ListShards.
func (f *Fake) SetShards(shards ...shtypes.ShardId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards = append([]shtypes.ShardId{}, shards...)
	for _, s := range shards {
		if _, ok := f.records[s]; !ok {
			f.records[s] = nil
		}
	}
}

// SeedRecords appends records to a shard's backing slice.
func (f *Fake) SeedRecords(shard shtypes.ShardId, records ...shtypes.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[shard] = append(f.records[shard], records...)
}

// CloseShard marks a shard as closed: once its buffered records are
// drained, GetRecords returns an empty NextToken.
func (f *Fake) CloseShard(shard shtypes.ShardId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[shard] = true
}

func (f *Fake) ListShards(_ context.Context, _ shtypes.StreamName) ([]shtypes.ShardId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shtypes.ShardId{}, f.shards...), nil
}

func (f *Fake) GetIterator(_ context.Context, _ shtypes.StreamName, shard shtypes.ShardId, pos shtypes.IteratorPosition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	startIdx := 0
	switch pos.Kind {
	case shtypes.TrimHorizon:
		startIdx = 0
	case shtypes.AtSequenceNumber, shtypes.AfterSequenceNumber:
		records := f.records[shard]
		for i, r := range records {
			if r.SequenceNumber == pos.SequenceNumber {
				if pos.Kind == shtypes.AtSequenceNumber {
					startIdx = i
				} else {
					startIdx = i + 1
				}
				break
			}
			if pos.SequenceNumber.Less(r.SequenceNumber) {
				startIdx = i
				break
			}
			startIdx = i + 1
		}
	case shtypes.ContinuationToken:
		if st, ok := f.iterators[pos.Token]; ok {
			startIdx = st.pos
		}
	default:
		return "", fmt.Errorf("fake gateway: unknown position kind %d", pos.Kind)
	}

	f.nextIter++
	token := fmt.Sprintf("iter-%d", f.nextIter)
	f.iterators[token] = iteratorState{shard: shard, pos: startIdx}
	return token, nil
}

func (f *Fake) GetRecords(_ context.Context, token string) (shtypes.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.iterators[token]
	if !ok {
		return shtypes.Batch{}, fmt.Errorf("fake gateway: unknown iterator token %q", token)
	}
	records := f.records[st.shard]
	var batch []shtypes.Record
	if st.pos < len(records) {
		batch = append(batch, records[st.pos:]...)
	}
	newPos := st.pos + len(batch)

	if newPos >= len(records) && f.closed[st.shard] {
		return shtypes.Batch{Records: batch, NextToken: ""}, nil
	}

	f.nextIter++
	nextToken := fmt.Sprintf("iter-%d", f.nextIter)
	f.iterators[nextToken] = iteratorState{shard: st.shard, pos: newPos}
	return shtypes.Batch{Records: batch, NextToken: nextToken}, nil
}
