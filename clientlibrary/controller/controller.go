// Package controller discovers a stream's shard topology and owns the
// fleet of per-shard workers, per spec §4.4. Its state — the set of known
// shards and the live worker for each — is mutated exclusively by one
// serialized consumer goroutine, so no locking is needed around either
// map; everything else talks to the controller through messages.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shardkit/shardkit/clientlibrary/config"
	"github.com/shardkit/shardkit/clientlibrary/metrics"
	"github.com/shardkit/shardkit/clientlibrary/statestore"
	"github.com/shardkit/shardkit/clientlibrary/streamgateway"
	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
	"github.com/shardkit/shardkit/clientlibrary/worker"
)

type msgKind int

const (
	msgStartWorker msgKind = iota
	msgStopWorker
	msgAddKnownShard
	msgRemoveKnownShard
	msgReconcile
	msgChangeProcessor
	msgWorkerExited
	msgSnapshotWorkers
	msgShutdown
)

type message struct {
	kind      msgKind
	shard     shtypes.ShardId
	shards    []shtypes.ShardId
	processor shtypes.Processor
	err       error
	ack       chan error
	snapshot  chan []shtypes.ShardId
}

// Controller runs the reconciliation loop and the worker fleet for a
// single application. One Controller exists per App.
type Controller struct {
	appName  shtypes.AppName
	stream   shtypes.StreamName
	table    shtypes.TableName
	workerID shtypes.WorkerId

	streamGW streamgateway.Gateway
	stateGW  statestore.Gateway
	cfg      config.Configuration
	mon      metrics.MonitoringService
	logger   zerolog.Logger

	messages chan message

	// touched only by consumeLoop.
	knownShards map[shtypes.ShardId]bool
	workers     map[shtypes.ShardId]*worker.Worker
	processor   shtypes.Processor
}

// New builds a Controller. Run must be called to start it.
func New(appName shtypes.AppName, stream shtypes.StreamName, table shtypes.TableName, workerID shtypes.WorkerId, sg streamgateway.Gateway, ss statestore.Gateway, processor shtypes.Processor, cfg config.Configuration, mon metrics.MonitoringService, logger zerolog.Logger) *Controller {
	if mon == nil {
		mon = metrics.NoopMonitoringService{}
	}
	return &Controller{
		appName:     appName,
		stream:      stream,
		table:       table,
		workerID:    workerID,
		streamGW:    sg,
		stateGW:     ss,
		cfg:         cfg,
		mon:         mon,
		logger:      logger.With().Str("app", string(appName)).Logger(),
		messages:    make(chan message, 64),
		knownShards: make(map[shtypes.ShardId]bool),
		workers:     make(map[shtypes.ShardId]*worker.Worker),
		processor:   processor,
	}
}

// Run drives the controller until ctx is cancelled: the reconciliation
// timer and the message consumer run as a supervised pair via errgroup,
// so an unexpected error in either surfaces instead of vanishing, while
// per-shard worker failures stay contained to their own goroutines (spec
// §9, "a supervisor that restarts only the controller, not the
// workers"). Run blocks until every worker it started has exited.
func (c *Controller) Run(ctx context.Context) error {
	g, workCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.consumeLoop(ctx, workCtx) })
	g.Go(func() error { return c.reconcileLoop(workCtx) })
	return g.Wait()
}

// StartProcessing enqueues StartWorker(shard) and returns a channel that
// receives the outcome once applied.
func (c *Controller) StartProcessing(shard shtypes.ShardId) <-chan error {
	ack := make(chan error, 1)
	c.messages <- message{kind: msgStartWorker, shard: shard, ack: ack}
	return ack
}

// StopProcessing enqueues StopWorker(shard) and returns a channel that
// receives the outcome once applied.
func (c *Controller) StopProcessing(shard shtypes.ShardId) <-chan error {
	ack := make(chan error, 1)
	c.messages <- message{kind: msgStopWorker, shard: shard, ack: ack}
	return ack
}

// ChangeProcessor hot-swaps the processor used by every current and
// future worker. It takes effect for each live worker on its next
// record.
func (c *Controller) ChangeProcessor(p shtypes.Processor) {
	ack := make(chan error, 1)
	c.messages <- message{kind: msgChangeProcessor, processor: p, ack: ack}
	<-ack
}

// ActiveShards returns the set of shards currently running a worker. It
// is safe for concurrent use: the snapshot is taken by the consumer
// goroutine itself, like every other read of the worker map.
func (c *Controller) ActiveShards() []shtypes.ShardId {
	reply := make(chan []shtypes.ShardId, 1)
	c.messages <- message{kind: msgSnapshotWorkers, snapshot: reply}
	return <-reply
}

// Shutdown stops every live worker gracefully — Stop(), then waits for
// each to exit — and returns once they all have. It does not touch the
// reconciliation loop or consumeLoop; the caller cancels Run's context
// afterward for that. Graceful shutdown relies on the context Run was
// given still being live, so a checkpoint write in flight when Shutdown
// is called can still retry and persist instead of aborting.
func (c *Controller) Shutdown() {
	ack := make(chan error, 1)
	c.messages <- message{kind: msgShutdown, ack: ack}
	<-ack
}

func (c *Controller) consumeLoop(parentCtx, workCtx context.Context) error {
	for {
		select {
		case msg := <-c.messages:
			c.apply(workCtx, msg)
		case <-parentCtx.Done():
			c.shutdownWorkers()
			return nil
		}
	}
}

func (c *Controller) apply(ctx context.Context, msg message) {
	var err error
	switch msg.kind {
	case msgStartWorker:
		err = c.applyStartWorker(ctx, msg.shard)
	case msgStopWorker:
		c.applyStopWorker(msg.shard)
	case msgAddKnownShard:
		c.knownShards[msg.shard] = true
	case msgRemoveKnownShard:
		delete(c.knownShards, msg.shard)
	case msgChangeProcessor:
		c.processor = msg.processor
		for _, w := range c.workers {
			w.ChangeProcessor(msg.processor)
		}
	case msgReconcile:
		c.applyReconcile(ctx, msg.shards)
	case msgWorkerExited:
		c.applyWorkerExited(msg.shard, msg.err)
	case msgSnapshotWorkers:
		shards := make([]shtypes.ShardId, 0, len(c.workers))
		for s := range c.workers {
			shards = append(shards, s)
		}
		msg.snapshot <- shards
	case msgShutdown:
		c.shutdownWorkers()
	}
	if msg.ack != nil {
		msg.ack <- err
		close(msg.ack)
	}
}

// applyReconcile computes added/removed against the known-shard set and
// applies both sides directly (it already runs on the sole owner of
// knownShards/workers, so there is no need to round-trip the derived
// Add/Start and Remove/Stop messages back through the channel).
func (c *Controller) applyReconcile(ctx context.Context, current []shtypes.ShardId) {
	currentSet := make(map[shtypes.ShardId]bool, len(current))
	for _, s := range current {
		currentSet[s] = true
	}

	var added, removedShards []shtypes.ShardId
	for s := range currentSet {
		if !c.knownShards[s] {
			added = append(added, s)
		}
	}
	for s := range c.knownShards {
		if !currentSet[s] {
			removedShards = append(removedShards, s)
		}
	}

	for _, s := range added {
		c.knownShards[s] = true
		if err := c.applyStartWorker(ctx, s); err != nil {
			c.logger.Error().Err(err).Str("shard", string(s)).Msg("failed to start worker for newly discovered shard")
		}
	}
	// Bug fix vs. the source library: the removal branch operates on
	// removedShards, not on the newly added set.
	for _, s := range removedShards {
		delete(c.knownShards, s)
		c.applyStopWorker(s)
	}
}

// applyStartWorker is idempotent: re-requesting a live shard returns
// success without creating a second worker.
func (c *Controller) applyStartWorker(ctx context.Context, shard shtypes.ShardId) error {
	if _, ok := c.workers[shard]; ok {
		return nil
	}
	w := worker.New(string(c.appName), shard, c.workerID, c.stream, c.table, c.streamGW, c.stateGW, c.processor, c.cfg, c.mon, c.logger)
	c.workers[shard] = w
	c.mon.WorkersActive(string(c.appName), len(c.workers))

	go func() {
		err := w.Run(ctx)
		select {
		case c.messages <- message{kind: msgWorkerExited, shard: shard, err: err}:
		case <-ctx.Done():
		}
	}()
	return nil
}

// applyStopWorker is idempotent on a missing shard: it requests the
// worker stop but does not block waiting for it to exit. Cleanup happens
// when the worker's exit is reported back via msgWorkerExited.
func (c *Controller) applyStopWorker(shard shtypes.ShardId) {
	if w, ok := c.workers[shard]; ok {
		w.Stop()
	}
}

func (c *Controller) applyWorkerExited(shard shtypes.ShardId, err error) {
	delete(c.workers, shard)
	c.mon.WorkersActive(string(c.appName), len(c.workers))
	if err != nil && !errors.Is(err, shtypes.ErrOwnershipLost) && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Str("shard", string(shard)).Msg("shard worker exited with error")
	}
}

func (c *Controller) shutdownWorkers() {
	for _, w := range c.workers {
		w.Stop()
	}
	for shard, w := range c.workers {
		<-w.Done()
		delete(c.workers, shard)
	}
}

func (c *Controller) reconcileLoop(ctx context.Context) error {
	if err := c.reconcileOnce(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial shard reconciliation failed")
	}

	ticker := time.NewTicker(c.cfg.CheckStreamChangesFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.reconcileOnce(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("shard reconciliation failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Controller) reconcileOnce(ctx context.Context) error {
	shards, err := c.streamGW.ListShards(ctx, c.stream)
	if err != nil {
		return fmt.Errorf("shardkit: listing shards for %s: %w", c.stream, err)
	}
	select {
	case c.messages <- message{kind: msgReconcile, shards: shards}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
