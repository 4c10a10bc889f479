package types

import (
	"errors"
	"fmt"
)

// ErrConditionalCheckFailed is returned by the state-store gateway when a
// conditional write loses the race for ownership of a shard row. It is
// recoverable only by conceding ownership; the worker stops cleanly.
var ErrConditionalCheckFailed = errors.New("shardkit: conditional check failed")

// ErrOwnershipLost is the internal signal a worker raises on itself after
// a conditional write reports ErrConditionalCheckFailed.
var ErrOwnershipLost = errors.New("shardkit: ownership lost")

// ErrAppNameAlreadyRunning is returned by CreateApp when the process
// already hosts a running application with the requested AppName.
var ErrAppNameAlreadyRunning = errors.New("shardkit: application name already running in this process")

// InitializationFailedError wraps a terminal failure bootstrapping the
// state table; it is the only error CreateApp surfaces for state-store
// setup (per-shard claim loops retry forever instead of failing the
// caller).
type InitializationFailedError struct {
	Cause error
}

func (e *InitializationFailedError) Error() string {
	return fmt.Sprintf("shardkit: initialization failed: %v", e.Cause)
}

func (e *InitializationFailedError) Unwrap() error { return e.Cause }

// TransientError marks an error from a collaborator (stream or state
// store) that stayed transient through the gateway's whole retry budget.
// The gateways return it wrapping the last transient error, so callers
// can tell an exhausted retry apart from a permanent rejection.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("shardkit: transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// ProcessorError wraps an error returned by user processor code. It is
// never fatal to the worker at the library layer; GetErrorHandlingMode
// decides skip vs. stop for the owning shard.
type ProcessorError struct {
	Cause error
}

func (e *ProcessorError) Error() string { return fmt.Sprintf("shardkit: processor: %v", e.Cause) }
func (e *ProcessorError) Unwrap() error { return e.Cause }
