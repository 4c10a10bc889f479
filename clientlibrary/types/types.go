// Package types defines the data model shared across shardkit: the opaque
// identifiers, the stream/record/batch shapes, the state-store row
// projection, and the processor capability set that application code
// implements.
package types

import (
	"fmt"
	"math/big"
	"time"
)

// StreamName identifies an upstream stream. Equality is string equality.
type StreamName string

// ShardId identifies one partition of a stream.
type ShardId string

// WorkerId identifies a single worker process/incarnation.
type WorkerId string

// TableName identifies a state-store table.
type TableName string

// AppName identifies an application; at most one instance of a given
// AppName may run per process (see registry package).
type AppName string

// SequenceNumber is an opaque, per-shard, strictly increasing identifier
// assigned by the upstream stream service. It prints as a base-10 digit
// string (as Kinesis sequence numbers do); Less compares numerically so
// monotonicity checks don't fall back to lexicographic string compare.
type SequenceNumber string

// Less reports whether sn orders strictly before other. Both must be
// valid base-10 integers; a malformed value sorts last.
func (sn SequenceNumber) Less(other SequenceNumber) bool {
	a, aok := new(big.Int).SetString(string(sn), 10)
	b, bok := new(big.Int).SetString(string(other), 10)
	if !aok {
		return false
	}
	if !bok {
		return true
	}
	return a.Cmp(b) < 0
}

// Empty reports whether sn is the zero value.
func (sn SequenceNumber) Empty() bool { return sn == "" }

// IteratorPositionKind discriminates the variant of IteratorPosition.
type IteratorPositionKind int

const (
	TrimHorizon IteratorPositionKind = iota
	AtSequenceNumber
	AfterSequenceNumber
	ContinuationToken
)

// IteratorPosition is the tagged variant consumed by the stream gateway's
// getIterator operation.
type IteratorPosition struct {
	Kind           IteratorPositionKind
	SequenceNumber SequenceNumber // valid for AtSequenceNumber / AfterSequenceNumber
	Token          string         // valid for ContinuationToken
}

func AtSeq(sn SequenceNumber) IteratorPosition {
	return IteratorPosition{Kind: AtSequenceNumber, SequenceNumber: sn}
}

func AfterSeq(sn SequenceNumber) IteratorPosition {
	return IteratorPosition{Kind: AfterSequenceNumber, SequenceNumber: sn}
}

func FromToken(token string) IteratorPosition {
	return IteratorPosition{Kind: ContinuationToken, Token: token}
}

func TrimHorizonPosition() IteratorPosition {
	return IteratorPosition{Kind: TrimHorizon}
}

func (p IteratorPosition) String() string {
	switch p.Kind {
	case TrimHorizon:
		return "TRIM_HORIZON"
	case AtSequenceNumber:
		return fmt.Sprintf("AT_SEQUENCE_NUMBER(%s)", p.SequenceNumber)
	case AfterSequenceNumber:
		return fmt.Sprintf("AFTER_SEQUENCE_NUMBER(%s)", p.SequenceNumber)
	case ContinuationToken:
		return "CONTINUATION_TOKEN(...)"
	default:
		return "UNKNOWN"
	}
}

// Record is one immutable unit of stream data.
type Record struct {
	PartitionKey   string
	SequenceNumber SequenceNumber
	Data           []byte
}

// Batch is the result of one getRecords call: an ordered run of records
// plus the continuation token for the next call. NextToken is empty when
// the shard is closed (end of life after a split/merge).
type Batch struct {
	Records   []Record
	NextToken string
}

func (b Batch) ShardClosed() bool { return b.NextToken == "" }

// ShardStatusKind discriminates the ShardStatus variant.
type ShardStatusKind int

const (
	StatusNew ShardStatusKind = iota
	StatusProcessing
	StatusNotProcessing
)

// ShardStatus is the classification the state store derives for a given
// shard row, per spec §4.2's classification rule.
type ShardStatus struct {
	Kind          ShardStatusKind
	WorkerId      WorkerId
	CreatedAt     time.Time      // valid for StatusNew
	LastSeq       SequenceNumber // valid for StatusProcessing / StatusNotProcessing
	LastHeartbeat time.Time      // valid for StatusNotProcessing
}

// ProcessResultKind discriminates ProcessResult.
type ProcessResultKind int

const (
	ResultSuccess ProcessResultKind = iota
	ResultFailure
)

// ProcessResult is the per-record outcome of one processing attempt.
type ProcessResult struct {
	Kind           ProcessResultKind
	SequenceNumber SequenceNumber
	Err            error // valid for ResultFailure
}

func Success(sn SequenceNumber) ProcessResult {
	return ProcessResult{Kind: ResultSuccess, SequenceNumber: sn}
}

func Failure(sn SequenceNumber, err error) ProcessResult {
	return ProcessResult{Kind: ResultFailure, SequenceNumber: sn, Err: err}
}

// ErrorHandlingModeKind discriminates ErrorHandlingMode.
type ErrorHandlingModeKind int

const (
	ModeRetryAndSkip ErrorHandlingModeKind = iota
	ModeRetryAndStop
)

// ErrorHandlingMode is returned by Processor.GetErrorHandlingMode to tell
// the worker how many additional attempts to make and what to do once
// those are exhausted.
type ErrorHandlingMode struct {
	Kind    ErrorHandlingModeKind
	Retries int // n >= 0 additional attempts after the first failure
}

func RetryAndSkip(n int) ErrorHandlingMode {
	return ErrorHandlingMode{Kind: ModeRetryAndSkip, Retries: n}
}

func RetryAndStop(n int) ErrorHandlingMode {
	return ErrorHandlingMode{Kind: ModeRetryAndStop, Retries: n}
}

// Processor is the capability set application code implements to consume
// records. Process may return an error instead of panicking; Go code
// never throws across this boundary.
type Processor interface {
	Process(record Record) error
	GetErrorHandlingMode(record Record, err error) ErrorHandlingMode
	OnMaxRetryExceeded(record Record, mode ErrorHandlingMode)
}
