// Package worker implements the per-shard consumer state machine: the
// hard engineering core of shardkit (spec §2, §4.3). A Worker claims a
// shard through the state-store gateway, then runs fetch → process →
// checkpoint cycles, emitting periodic heartbeats, until it is stopped,
// loses ownership, or the shard closes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardkit/shardkit/clientlibrary/config"
	"github.com/shardkit/shardkit/clientlibrary/metrics"
	"github.com/shardkit/shardkit/clientlibrary/statestore"
	"github.com/shardkit/shardkit/clientlibrary/streamgateway"
	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// State is a shard worker's lifecycle position, per spec §3:
// Initializing → Running → Stopping → Disposed.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopping
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Worker is the per-shard state machine. It is created by the controller
// (or directly by tests) and destroyed once Run returns.
type Worker struct {
	AppName  string
	ShardId  shtypes.ShardId
	WorkerId shtypes.WorkerId
	Stream   shtypes.StreamName
	Table    shtypes.TableName

	stream  streamgateway.Gateway
	store   statestore.Gateway
	cfg     config.Configuration
	metrics metrics.MonitoringService
	logger  zerolog.Logger

	// OnEvent, if set, is invoked synchronously for every Event in spec
	// §4.3's vocabulary: Heartbeat events from the heartbeat goroutine,
	// every other event from the goroutine running Run. Primarily a
	// testing seam; production code normally relies on metrics/logs
	// instead.
	OnEvent func(Event)

	processorMu sync.RWMutex
	processor   shtypes.Processor

	state int32 // atomic State

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Worker. The processor may be changed later via
// ChangeProcessor; Run must be called exactly once.
func New(appName string, shardID shtypes.ShardId, workerID shtypes.WorkerId, stream shtypes.StreamName, table shtypes.TableName, sg streamgateway.Gateway, ss statestore.Gateway, processor shtypes.Processor, cfg config.Configuration, mon metrics.MonitoringService, logger zerolog.Logger) *Worker {
	if mon == nil {
		mon = metrics.NoopMonitoringService{}
	}
	w := &Worker{
		AppName:   appName,
		ShardId:   shardID,
		WorkerId:  workerID,
		Stream:    stream,
		Table:     table,
		stream:    sg,
		store:     ss,
		processor: processor,
		cfg:       cfg,
		metrics:   mon,
		logger:    logger.With().Str("shard", string(shardID)).Str("app", appName).Logger(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	runtime.SetFinalizer(w, func(w *Worker) {
		if w.State() != StateDisposed {
			w.logger.Warn().Msg("shard worker garbage collected without explicit Stop()")
		}
	})
	return w
}

func (w *Worker) State() State { return State(atomic.LoadInt32(&w.state)) }

func (w *Worker) setState(s State) { atomic.StoreInt32(&w.state, int32(s)) }

// Processor returns the currently active Processor.
func (w *Worker) Processor() shtypes.Processor {
	w.processorMu.RLock()
	defer w.processorMu.RUnlock()
	return w.processor
}

// ChangeProcessor hot-swaps the processor; it takes effect starting with
// the next record handed to Process.
func (w *Worker) ChangeProcessor(p shtypes.Processor) {
	w.processorMu.Lock()
	defer w.processorMu.Unlock()
	w.processor = p
}

// Stop requests a graceful teardown: the in-flight batch finishes and its
// checkpoint persists before the worker disposes. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.setState(StateStopping)
		close(w.stopCh)
	})
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

func (w *Worker) emit(ev Event) {
	if w.OnEvent != nil {
		ev.ShardId = w.ShardId
		w.OnEvent(ev)
	}
}

// Run drives the worker's full lifecycle to completion: claim, fetch,
// process, checkpoint, heartbeat, until stop, ownership loss, shard
// closure, or ctx cancellation. It returns shtypes.ErrOwnershipLost if
// another worker won the shard, nil on any other clean exit.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)
	defer runtime.SetFinalizer(w, nil)
	defer w.setState(StateDisposed)

	startPos, err := w.claimShard(ctx)
	if err != nil {
		w.emit(Event{Kind: InitFailed, Err: err})
		return err
	}
	w.emit(Event{Kind: Initialized})
	w.setState(StateRunning)

	ownershipLostCh := make(chan struct{})
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		w.heartbeatLoop(heartbeatCtx, ownershipLostCh)
	}()
	defer heartbeatWG.Wait()
	defer stopHeartbeat()

	token, err := w.getIteratorWithRetry(ctx, startPos)
	if err != nil {
		w.emit(Event{Kind: InitFailed, Err: err})
		return err
	}

	for {
		select {
		case <-ownershipLostCh:
			w.metrics.LeaseLost(w.AppName, string(w.ShardId))
			w.emit(Event{Kind: OwnershipLost})
			return shtypes.ErrOwnershipLost
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetchStart := time.Now()
		batch, err := w.stream.GetRecords(ctx, token)
		w.metrics.FetchLatency(w.AppName, string(w.ShardId), time.Since(fetchStart))
		if err != nil {
			w.logger.Warn().Err(err).Msg("getRecords failed; retrying")
			if !w.interruptibleSleep(ctx, ownershipLostCh, time.Second) {
				return w.exitReason(ctx, ownershipLostCh)
			}
			continue
		}

		if len(batch.Records) == 0 {
			w.emit(Event{Kind: EmptyReceive})
			if !w.interruptibleSleep(ctx, ownershipLostCh, w.cfg.EmptyReceiveDelay) {
				return w.exitReason(ctx, ownershipLostCh)
			}
			w.emit(Event{Kind: BatchProcessed, Count: 0, NextToken: batch.NextToken})
			if batch.ShardClosed() {
				w.logger.Info().Msg("shard closed, exiting cleanly")
				return nil
			}
			token = batch.NextToken
			continue
		}

		w.emit(Event{Kind: BatchReceived, NextToken: batch.NextToken, Count: len(batch.Records)})

		outcome := w.processBatch(batch.Records)

		if !outcome.advance.Empty() {
			if err := w.checkpointWithRetry(ctx, outcome.advance); err != nil {
				if errors.Is(err, shtypes.ErrConditionalCheckFailed) {
					w.metrics.LeaseLost(w.AppName, string(w.ShardId))
					w.emit(Event{Kind: OwnershipLost})
					return shtypes.ErrOwnershipLost
				}
				return w.exitReason(ctx, ownershipLostCh)
			}
			w.metrics.CheckpointAdvanced(w.AppName, string(w.ShardId))
			w.emit(Event{Kind: CheckpointUpdated, Seq: outcome.advance})
		}

		if outcome.stopped {
			if outcome.k == 0 {
				// spec §9: checkpoint unchanged, re-fetch from the
				// current start-token rather than crashing the worker.
				w.emit(Event{Kind: BatchProcessed, Count: 0})
				continue
			}
			w.emit(Event{Kind: BatchProcessed, Count: outcome.k})
			newToken, err := w.getIteratorWithRetry(ctx, shtypes.AtSeq(outcome.advance))
			if err != nil {
				return w.exitReason(ctx, ownershipLostCh)
			}
			token = newToken
			continue
		}

		w.emit(Event{Kind: BatchProcessed, Count: len(batch.Records), NextToken: batch.NextToken})
		if batch.ShardClosed() {
			w.logger.Info().Msg("shard closed, exiting cleanly")
			return nil
		}
		token = batch.NextToken
	}
}

// exitReason resolves which terminal condition interrupted a blocking
// wait, so Run's many early-return sites report consistently.
func (w *Worker) exitReason(ctx context.Context, ownershipLostCh <-chan struct{}) error {
	select {
	case <-ownershipLostCh:
		w.emit(Event{Kind: OwnershipLost})
		return shtypes.ErrOwnershipLost
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// interruptibleSleep waits for d, returning false early (without having
// slept the full duration) if stop/ownership-loss/cancellation fires
// first.
func (w *Worker) interruptibleSleep(ctx context.Context, ownershipLostCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	case <-ownershipLostCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// claimShard runs the initialization sequence from spec §4.3: attempt
// createShardRow, read the resulting status, and dispatch on it to decide
// the starting IteratorPosition. It retries forever (bounded only by
// ctx/stop) rather than ever raising InitializationFailed — that error is
// reserved for table bootstrap in the app package.
func (w *Worker) claimShard(ctx context.Context) (shtypes.IteratorPosition, error) {
	backoffDelay := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-w.stopCh:
			return shtypes.IteratorPosition{}, fmt.Errorf("shardkit: stop requested during initialization")
		case <-ctx.Done():
			return shtypes.IteratorPosition{}, ctx.Err()
		default:
		}

		err := w.store.CreateShardRow(ctx, w.Table, w.WorkerId, w.ShardId, w.cfg.HeartbeatTimeout)
		if err != nil && !errors.Is(err, shtypes.ErrConditionalCheckFailed) {
			w.logger.Warn().Err(err).Msg("createShardRow failed; retrying")
			if !w.sleepBackoff(ctx, &backoffDelay, maxBackoff) {
				return shtypes.IteratorPosition{}, fmt.Errorf("shardkit: interrupted during initialization: %w", err)
			}
			continue
		}

		status, err := w.store.ReadShardStatus(ctx, w.Table, w.ShardId, w.WorkerId, w.cfg.HeartbeatTimeout, time.Now().UTC())
		if err != nil {
			w.logger.Warn().Err(err).Msg("readShardStatus failed; retrying")
			if !w.sleepBackoff(ctx, &backoffDelay, maxBackoff) {
				return shtypes.IteratorPosition{}, fmt.Errorf("shardkit: interrupted during initialization: %w", err)
			}
			continue
		}

		switch status.Kind {
		case shtypes.StatusNew:
			if status.WorkerId == w.WorkerId {
				return shtypes.TrimHorizonPosition(), nil
			}
		case shtypes.StatusProcessing:
			if status.WorkerId == w.WorkerId {
				return shtypes.AfterSeq(status.LastSeq), nil
			}
			// Another live worker owns this shard; don't take over,
			// re-check after a delay bounded by HeartbeatTimeout.
			if !w.sleepBackoff(ctx, &backoffDelay, w.cfg.HeartbeatTimeout) {
				return shtypes.IteratorPosition{}, fmt.Errorf("shardkit: interrupted waiting for shard %s", w.ShardId)
			}
			continue
		case shtypes.StatusNotProcessing:
			return shtypes.AfterSeq(status.LastSeq), nil
		}

		if !w.sleepBackoff(ctx, &backoffDelay, maxBackoff) {
			return shtypes.IteratorPosition{}, fmt.Errorf("shardkit: interrupted during initialization")
		}
	}
}

func (w *Worker) sleepBackoff(ctx context.Context, current *time.Duration, max time.Duration) bool {
	d := *current
	if d > max {
		d = max
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	*current = d * 2
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) getIteratorWithRetry(ctx context.Context, pos shtypes.IteratorPosition) (string, error) {
	backoffDelay := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		token, err := w.stream.GetIterator(ctx, w.Stream, w.ShardId, pos)
		if err == nil {
			return token, nil
		}
		w.logger.Warn().Err(err).Str("position", pos.String()).Msg("getIterator failed; retrying")
		if !w.sleepBackoff(ctx, &backoffDelay, maxBackoff) {
			return "", fmt.Errorf("shardkit: interrupted obtaining iterator for %s: %w", w.ShardId, err)
		}
	}
}

// heartbeatLoop ticks at cfg.Heartbeat, refreshing ownership. A
// conditional-check failure closes ownershipLostCh and returns; any other
// error is logged and dropped, per spec §4.3 ("the next tick or the next
// checkpoint update will refresh the timestamp").
func (w *Worker) heartbeatLoop(ctx context.Context, ownershipLostCh chan<- struct{}) {
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.emit(Event{Kind: Heartbeat})
			err := w.store.UpdateHeartbeat(ctx, w.Table, w.WorkerId, w.ShardId, time.Now().UTC())
			if err != nil {
				if errors.Is(err, shtypes.ErrConditionalCheckFailed) {
					close(ownershipLostCh)
					return
				}
				w.logger.Warn().Err(err).Msg("heartbeat update failed; will retry next tick")
				continue
			}
			w.metrics.LeaseRenewed(w.AppName, string(w.ShardId))
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkpointWithRetry persists a checkpoint, retrying every second on
// transient failure until success, ownership loss, or ctx cancellation
// (spec §4.3 "Checkpointing"). A Stop request does not interrupt it.
func (w *Worker) checkpointWithRetry(ctx context.Context, seq shtypes.SequenceNumber) error {
	for {
		err := w.store.UpdateCheckpoint(ctx, w.Table, w.WorkerId, w.ShardId, seq, time.Now().UTC())
		if err == nil {
			return nil
		}
		if errors.Is(err, shtypes.ErrConditionalCheckFailed) {
			return err
		}
		w.logger.Warn().Err(err).Msg("retrying checkpoint update")
		timer := time.NewTimer(time.Second)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// batchOutcome summarizes how far a batch got before either finishing or
// hitting a RetryAndStop.
type batchOutcome struct {
	advance shtypes.SequenceNumber // highest seq to checkpoint; empty means no advance
	stopped bool                   // a RetryAndStop fired
	k       int                    // 0-based index of the record that stopped the batch
}

// processBatch runs spec §4.3's per-record processing loop in order.
func (w *Worker) processBatch(records []shtypes.Record) batchOutcome {
	var lastSuccess shtypes.SequenceNumber
	for i, rec := range records {
		ok := w.processOne(rec)
		if ok {
			lastSuccess = rec.SequenceNumber
			w.metrics.RecordsProcessed(w.AppName, string(w.ShardId), 1)
			w.emit(Event{Kind: RecordProcessed, Record: rec})
			continue
		}
		w.metrics.RecordProcessFailed(w.AppName, string(w.ShardId))
		return batchOutcome{advance: lastSuccess, stopped: true, k: i}
	}
	return batchOutcome{advance: lastSuccess}
}

// processOne invokes the processor for one record, retrying per its
// ErrorHandlingMode. It returns true if the record should count toward
// the checkpoint (outright success, or a skip after exhausting retries).
func (w *Worker) processOne(rec shtypes.Record) bool {
	processor := w.Processor()
	err := processor.Process(rec)
	if err == nil {
		return true
	}
	perr := &shtypes.ProcessorError{Cause: err}

	mode := processor.GetErrorHandlingMode(rec, perr)
	w.emit(Event{Kind: ProcessErrored, Record: rec, Err: perr})

	for attempt := 0; attempt < mode.Retries; attempt++ {
		err = processor.Process(rec)
		if err == nil {
			return true
		}
		perr = &shtypes.ProcessorError{Cause: err}
		w.emit(Event{Kind: ProcessErrored, Record: rec, Err: perr})
	}

	w.invokeOnMaxRetryExceeded(processor, rec, mode)

	return mode.Kind == shtypes.ModeRetryAndSkip
}

func (w *Worker) invokeOnMaxRetryExceeded(processor shtypes.Processor, rec shtypes.Record, mode shtypes.ErrorHandlingMode) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("sequence", string(rec.SequenceNumber)).Msg("onMaxRetryExceeded panicked; swallowing")
		}
	}()
	processor.OnMaxRetryExceeded(rec, mode)
}
