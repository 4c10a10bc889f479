package worker

import (
	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// EventKind enumerates the event vocabulary the shard worker reports
// through its OnEvent hook, per spec §4.3.
type EventKind int

const (
	Initialized EventKind = iota
	InitFailed
	BatchReceived
	EmptyReceive
	BatchProcessed
	RecordProcessed
	ProcessErrored
	CheckpointUpdated
	Heartbeat
	OwnershipLost
)

func (k EventKind) String() string {
	switch k {
	case Initialized:
		return "Initialized"
	case InitFailed:
		return "InitFailed"
	case BatchReceived:
		return "BatchReceived"
	case EmptyReceive:
		return "EmptyReceive"
	case BatchProcessed:
		return "BatchProcessed"
	case RecordProcessed:
		return "RecordProcessed"
	case ProcessErrored:
		return "ProcessErrored"
	case CheckpointUpdated:
		return "CheckpointUpdated"
	case Heartbeat:
		return "Heartbeat"
	case OwnershipLost:
		return "OwnershipLost"
	default:
		return "Unknown"
	}
}

// Event is one occurrence in a shard worker's lifecycle. Fields not
// relevant to Kind are left zero; the comment on each field lists the
// kinds that populate it. Workers never block delivering an Event to
// an OnEvent hook for more than the hook's own run time — hooks that need
// to do slow work should copy the event and return.
type Event struct {
	Kind EventKind

	ShardId shtypes.ShardId

	Err    error          // InitFailed, ProcessErrored
	Record shtypes.Record // RecordProcessed, ProcessErrored

	NextToken string                // BatchReceived, BatchProcessed
	Count     int                   // BatchReceived: records in the batch; BatchProcessed: number of records checkpointed from this batch
	Seq       shtypes.SequenceNumber // CheckpointUpdated
}
