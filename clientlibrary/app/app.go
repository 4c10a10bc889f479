// Package app assembles the gateways, controller, and registry into the
// public entry point: CreateApp. This is the surface application code
// imports; everything under clientlibrary's other packages is plumbing
// CreateApp wires together.
package app

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardkit/shardkit/clientlibrary/config"
	"github.com/shardkit/shardkit/clientlibrary/controller"
	"github.com/shardkit/shardkit/clientlibrary/metrics"
	"github.com/shardkit/shardkit/clientlibrary/registry"
	"github.com/shardkit/shardkit/clientlibrary/statestore"
	"github.com/shardkit/shardkit/clientlibrary/streamgateway"
	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

// Credentials configures how the AWS SDK authenticates the stream and
// state-store clients. Zero value defers to the SDK's default chain.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// App is a running shardkit application: one controller, one stream, one
// AppName, enforced unique within the process by the registry package.
type App struct {
	appName shtypes.AppName
	stream  shtypes.StreamName
	table   shtypes.TableName

	ctrl    *controller.Controller
	cancel  context.CancelFunc
	runDone chan struct{}

	logger zerolog.Logger

	disposeOnce sync.Once
}

// CreateApp bootstraps the state table, registers the AppName, and starts
// the controller's discovery/processing loop. It blocks only on table
// bootstrap (spec §9); per-shard claim loops proceed asynchronously.
func CreateApp(ctx context.Context, creds Credentials, region string, appName shtypes.AppName, stream shtypes.StreamName, workerID shtypes.WorkerId, processor shtypes.Processor, opts ...config.Option) (*App, error) {
	return CreateAppWithServices(ctx, creds, region, appName, stream, workerID, processor, metrics.NewPrometheusMonitoringService(), zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger(), opts...)
}

// CreateAppWithServices is CreateApp with the monitoring service and
// logger made explicit, primarily for tests and callers that want their
// own zerolog.Logger sink or a NoopMonitoringService.
func CreateAppWithServices(ctx context.Context, creds Credentials, region string, appName shtypes.AppName, stream shtypes.StreamName, workerID shtypes.WorkerId, processor shtypes.Processor, mon metrics.MonitoringService, logger zerolog.Logger, opts ...config.Option) (*App, error) {
	if processor == nil {
		return nil, fmt.Errorf("shardkit: processor must not be nil")
	}
	workerID = orRandomWorkerID(workerID)
	cfg := config.New(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := registry.Register(appName, stream); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, creds, region)
	if err != nil {
		registry.Unregister(appName)
		return nil, &shtypes.InitializationFailedError{Cause: err}
	}

	sg := streamgateway.NewKinesisGateway(kinesis.NewFromConfig(awsCfg), cfg.MaxStreamRetries, logger)
	ddb := statestore.NewDynamoGateway(dynamodb.NewFromConfig(awsCfg), cfg.MaxStateStoreRetries, logger)

	table, err := ddb.EnsureTable(ctx, string(appName), cfg.StateStoreReadCap, cfg.StateStoreWriteCap, cfg.TableSuffix)
	if err != nil {
		registry.Unregister(appName)
		return nil, &shtypes.InitializationFailedError{Cause: err}
	}

	return newRunningApp(appName, stream, table, workerID, sg, ddb, processor, cfg, mon, logger), nil
}

// NewWithGateways assembles an App directly from already-constructed
// gateways, skipping AWS config loading and table bootstrap. It is the
// seam tests (and callers with a pre-provisioned table) use in place of
// CreateApp.
func NewWithGateways(appName shtypes.AppName, stream shtypes.StreamName, table shtypes.TableName, workerID shtypes.WorkerId, sg streamgateway.Gateway, ss statestore.Gateway, processor shtypes.Processor, cfg config.Configuration, mon metrics.MonitoringService, logger zerolog.Logger) (*App, error) {
	if processor == nil {
		return nil, fmt.Errorf("shardkit: processor must not be nil")
	}
	workerID = orRandomWorkerID(workerID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := registry.Register(appName, stream); err != nil {
		return nil, err
	}
	return newRunningApp(appName, stream, table, workerID, sg, ss, processor, cfg, mon, logger), nil
}

func newRunningApp(appName shtypes.AppName, stream shtypes.StreamName, table shtypes.TableName, workerID shtypes.WorkerId, sg streamgateway.Gateway, ss statestore.Gateway, processor shtypes.Processor, cfg config.Configuration, mon metrics.MonitoringService, logger zerolog.Logger) *App {
	ctrl := controller.New(appName, stream, table, workerID, sg, ss, processor, cfg, mon, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		appName: appName,
		stream:  stream,
		table:   table,
		ctrl:    ctrl,
		cancel:  cancel,
		runDone: make(chan struct{}),
		logger:  logger.With().Str("app", string(appName)).Logger(),
	}

	go func() {
		defer close(a.runDone)
		if err := ctrl.Run(runCtx); err != nil {
			a.logger.Error().Err(err).Msg("controller exited with error")
		}
	}()

	runtime.SetFinalizer(a, func(a *App) {
		a.logger.Warn().Msg("shardkit App garbage collected without explicit Dispose()")
		a.Dispose()
	})

	return a
}

// orRandomWorkerID fills in a random WorkerId when the caller doesn't
// supply one, so single-process callers and quick trials don't need to
// invent their own worker identity.
func orRandomWorkerID(id shtypes.WorkerId) shtypes.WorkerId {
	if id != "" {
		return id
	}
	return shtypes.WorkerId(uuid.NewString())
}

func loadAWSConfig(ctx context.Context, creds Credentials, region string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// StartProcessing requests a worker be started for shardID; idempotent if
// one is already running.
func (a *App) StartProcessing(shardID shtypes.ShardId) <-chan error {
	return a.ctrl.StartProcessing(shardID)
}

// StopProcessing requests the worker for shardID stop; idempotent if none
// is running.
func (a *App) StopProcessing(shardID shtypes.ShardId) <-chan error {
	return a.ctrl.StopProcessing(shardID)
}

// ChangeProcessor hot-swaps the Processor used by every worker, current
// and future; it takes effect on each worker's next record.
func (a *App) ChangeProcessor(p shtypes.Processor) {
	a.ctrl.ChangeProcessor(p)
}

// Dispose stops every worker gracefully — each finishes its in-flight
// batch and persists its checkpoint before exiting — then cancels the
// reconciliation loop and removes the AppName from the process registry.
// A worker that loses ownership mid-shutdown still exits immediately,
// unaffected by this. Idempotent.
func (a *App) Dispose() {
	a.disposeOnce.Do(func() {
		runtime.SetFinalizer(a, nil)
		a.ctrl.Shutdown()
		a.cancel()
		<-a.runDone
		registry.Unregister(a.appName)
	})
}
