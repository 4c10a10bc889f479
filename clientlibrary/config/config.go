// Package config holds the tunable Configuration for a shardkit
// application: state-table provisioning, timing knobs for heartbeats and
// fetch backoff, and internal retry budgets. Defaults match spec §6
// exactly; every field can also be supplied via SHARDKIT_-prefixed
// environment variables through FromEnv.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Configuration is the full set of tunables for a shardkit App.
type Configuration struct {
	StateStoreReadCap  int64  `envconfig:"STATE_STORE_READ_CAP" default:"10"`
	StateStoreWriteCap int64  `envconfig:"STATE_STORE_WRITE_CAP" default:"10"`
	TableSuffix        string `envconfig:"TABLE_SUFFIX" default:"KinesisState"`

	Heartbeat         time.Duration `envconfig:"HEARTBEAT" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"3m"`
	EmptyReceiveDelay time.Duration `envconfig:"EMPTY_RECEIVE_DELAY" default:"3s"`

	MaxStateStoreRetries int `envconfig:"MAX_STATE_STORE_RETRIES" default:"3"`
	MaxStreamRetries     int `envconfig:"MAX_STREAM_RETRIES" default:"3"`

	CheckStreamChangesFrequency time.Duration `envconfig:"CHECK_STREAM_CHANGES_FREQUENCY" default:"1m"`

	// LoadBalanceFrequency, HandoverRequestExpiry and
	// CheckPendingHandoverRequestFrequency are intentionally absent: the
	// source library referenced them but never implemented cross-node
	// handover, and spec.md's Non-goals exclude it outright (see
	// DESIGN.md).
}

// Default returns a Configuration populated with spec §6's defaults.
func Default() Configuration {
	return Configuration{
		StateStoreReadCap:           10,
		StateStoreWriteCap:          10,
		TableSuffix:                 "KinesisState",
		Heartbeat:                   30 * time.Second,
		HeartbeatTimeout:            3 * time.Minute,
		EmptyReceiveDelay:           3 * time.Second,
		MaxStateStoreRetries:        3,
		MaxStreamRetries:            3,
		CheckStreamChangesFrequency: time.Minute,
	}
}

// Option mutates a Configuration away from its defaults.
type Option func(*Configuration)

func WithStateStoreCapacity(read, write int64) Option {
	return func(c *Configuration) { c.StateStoreReadCap = read; c.StateStoreWriteCap = write }
}

func WithTableSuffix(suffix string) Option {
	return func(c *Configuration) { c.TableSuffix = suffix }
}

func WithHeartbeat(period, timeout time.Duration) Option {
	return func(c *Configuration) { c.Heartbeat = period; c.HeartbeatTimeout = timeout }
}

func WithEmptyReceiveDelay(d time.Duration) Option {
	return func(c *Configuration) { c.EmptyReceiveDelay = d }
}

func WithRetryBudgets(stream, stateStore int) Option {
	return func(c *Configuration) { c.MaxStreamRetries = stream; c.MaxStateStoreRetries = stateStore }
}

func WithCheckStreamChangesFrequency(d time.Duration) Option {
	return func(c *Configuration) { c.CheckStreamChangesFrequency = d }
}

// New builds a Configuration from defaults plus the given options.
func New(opts ...Option) Configuration {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// FromEnv builds a Configuration by overlaying SHARDKIT_-prefixed
// environment variables on top of the spec defaults.
func FromEnv() (Configuration, error) {
	cfg := Default()
	if err := envconfig.Process("SHARDKIT", &cfg); err != nil {
		return Configuration{}, fmt.Errorf("shardkit: loading configuration from environment: %w", err)
	}
	return cfg, nil
}

// TableName derives the state-store table name for an application, per
// spec §6: "Table is named <appName><suffix>".
func (c Configuration) TableName(appName string) string {
	return appName + c.TableSuffix
}

// Validate rejects configurations that would produce nonsensical worker
// behavior; this is the "Fatal — programmer errors" surface from spec §7.
func (c Configuration) Validate() error {
	if c.Heartbeat <= 0 {
		return fmt.Errorf("shardkit: Heartbeat must be positive, got %s", c.Heartbeat)
	}
	if c.HeartbeatTimeout <= c.Heartbeat {
		return fmt.Errorf("shardkit: HeartbeatTimeout (%s) must exceed Heartbeat (%s)", c.HeartbeatTimeout, c.Heartbeat)
	}
	if c.MaxStreamRetries < 0 || c.MaxStateStoreRetries < 0 {
		return fmt.Errorf("shardkit: retry budgets must be >= 0")
	}
	if c.StateStoreReadCap <= 0 || c.StateStoreWriteCap <= 0 {
		return fmt.Errorf("shardkit: state store capacity must be positive")
	}
	return nil
}
