// Package config defines the indexer configuration surface: the database to
// materialize into, the networks to watch, and the contract/block sources
// whose events should be extracted.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/KONFeature/ponder/internal/common"
	"github.com/KONFeature/ponder/internal/logger"
)

// Config is the complete indexer configuration.
type Config struct {
	// Database selects and configures the sync store backend.
	Database DatabaseConfig `yaml:"database" json:"database" toml:"database"`

	// Networks lists the chains to sync.
	Networks []NetworkConfig `yaml:"networks" json:"networks" toml:"networks"`

	// Contracts declares log and call-trace sources.
	Contracts []ContractConfig `yaml:"contracts,omitempty" json:"contracts,omitempty" toml:"contracts,omitempty"`

	// Blocks declares periodic block sources.
	Blocks []BlockSourceConfig `yaml:"blocks,omitempty" json:"blocks,omitempty" toml:"blocks,omitempty"`

	// Options holds cross-cutting tunables.
	Options OptionsConfig `yaml:"options,omitempty" json:"options,omitempty" toml:"options,omitempty"`

	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics contains Prometheus metrics configuration.
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`

	// Maintenance contains optional sqlite maintenance settings.
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`
}

// ApplyDefaults sets default values on every section.
func (c *Config) ApplyDefaults() {
	c.Database.ApplyDefaults()
	for i := range c.Networks {
		c.Networks[i].ApplyDefaults()
	}
	for i := range c.Contracts {
		c.Contracts[i].ApplyDefaults()
	}
	c.Options.ApplyDefaults()
	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}
	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
	if c.Maintenance != nil {
		c.Maintenance.ApplyDefaults()
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}

	if len(c.Networks) == 0 {
		return fmt.Errorf("networks: at least one network is required")
	}

	names := make(map[string]struct{}, len(c.Networks))
	for i := range c.Networks {
		if err := c.Networks[i].Validate(); err != nil {
			return err
		}
		if _, dup := names[c.Networks[i].Name]; dup {
			return fmt.Errorf("networks: duplicate network name %q", c.Networks[i].Name)
		}
		names[c.Networks[i].Name] = struct{}{}
	}

	for i := range c.Contracts {
		if err := c.Contracts[i].Validate(names); err != nil {
			return err
		}
	}
	for i := range c.Blocks {
		if err := c.Blocks[i].Validate(names); err != nil {
			return err
		}
	}

	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	if c.Maintenance != nil {
		if err := c.Maintenance.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Network returns the network config with the given name.
func (c *Config) Network(name string) (*NetworkConfig, bool) {
	for i := range c.Networks {
		if c.Networks[i].Name == name {
			return &c.Networks[i], true
		}
	}
	return nil, false
}

// DatabaseConfig selects the sync store backend.
type DatabaseConfig struct {
	// Kind is "sqlite" or "postgres".
	Kind string `yaml:"kind" json:"kind" toml:"kind"`

	// Filename is the sqlite database path.
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty" toml:"filename,omitempty"`

	// ConnectionString is the postgres connection string.
	ConnectionString string `yaml:"connection_string,omitempty" json:"connection_string,omitempty" toml:"connection_string,omitempty"`
}

// ApplyDefaults sets default values for the database configuration.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.Kind == "" {
		d.Kind = "sqlite"
	}
	if d.Kind == "sqlite" && d.Filename == "" {
		d.Filename = "ponder.db"
	}
}

// Validate checks the database configuration.
func (d *DatabaseConfig) Validate() error {
	switch d.Kind {
	case "sqlite":
		if d.Filename == "" {
			return fmt.Errorf("database.filename: required for sqlite")
		}
	case "postgres":
		if d.ConnectionString == "" {
			return fmt.Errorf("database.connection_string: required for postgres")
		}
	default:
		return fmt.Errorf("database.kind: must be sqlite or postgres, got %q", d.Kind)
	}
	return nil
}

// DSN returns the engine-appropriate data source name.
func (d *DatabaseConfig) DSN() string {
	if d.Kind == "postgres" {
		return d.ConnectionString
	}
	return d.Filename
}

// NetworkConfig describes one chain to sync.
type NetworkConfig struct {
	// Name identifies the network in source configs.
	Name string `yaml:"name" json:"name" toml:"name"`

	// ChainID is the chain's numeric id.
	ChainID uint64 `yaml:"chain_id" json:"chain_id" toml:"chain_id"`

	// RPCURL is the JSON-RPC transport endpoint.
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// PollingInterval is the realtime head poll period.
	PollingInterval common.Duration `yaml:"polling_interval,omitempty" json:"polling_interval,omitempty" toml:"polling_interval,omitempty"`

	// MaxRPCRequestConcurrency bounds in-flight RPC requests.
	MaxRPCRequestConcurrency int `yaml:"max_rpc_request_concurrency,omitempty" json:"max_rpc_request_concurrency,omitempty" toml:"max_rpc_request_concurrency,omitempty"`

	// MaxRequestsPerSecond optionally caps the outbound request rate.
	// Zero means unlimited.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second,omitempty" json:"max_requests_per_second,omitempty" toml:"max_requests_per_second,omitempty"`

	// FinalityDepth is the number of blocks behind head past which reorgs
	// are not tolerated.
	FinalityDepth uint64 `yaml:"finality_depth,omitempty" json:"finality_depth,omitempty" toml:"finality_depth,omitempty"`

	// Retry configures RPC retry with exponential backoff.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults sets default values for the network configuration.
func (n *NetworkConfig) ApplyDefaults() {
	if n.PollingInterval.Duration == 0 {
		n.PollingInterval = common.NewDuration(time.Second)
	}
	if n.MaxRPCRequestConcurrency == 0 {
		n.MaxRPCRequestConcurrency = 10
	}
	if n.FinalityDepth == 0 {
		n.FinalityDepth = 64
	}
	if n.Retry == nil {
		n.Retry = &RetryConfig{}
	}
	n.Retry.ApplyDefaults()
}

// Validate checks the network configuration.
func (n *NetworkConfig) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("networks: name is required")
	}
	if n.ChainID == 0 {
		return fmt.Errorf("networks[%s].chain_id: required", n.Name)
	}
	if n.RPCURL == "" {
		return fmt.Errorf("networks[%s].rpc_url: required", n.Name)
	}
	return nil
}

// RetryConfig represents RPC retry configuration with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial request).
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" toml:"max_attempts,omitempty"`

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff common.Duration `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty" toml:"initial_backoff,omitempty"`

	// MaxBackoff caps the backoff duration.
	MaxBackoff common.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty" toml:"max_backoff,omitempty"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty" toml:"backoff_multiplier,omitempty"`
}

// ApplyDefaults sets default values for retry configuration.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second)
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// ContractConfig declares one contract source: which logs (and optionally
// call traces) to extract on which networks.
type ContractConfig struct {
	// Name identifies the contract.
	Name string `yaml:"name" json:"name" toml:"name"`

	// Networks lists the network names the contract is deployed on.
	Networks []string `yaml:"networks" json:"networks" toml:"networks"`

	// Address is the contract address, empty when Factory is set or when the
	// source matches any address.
	Address []string `yaml:"address,omitempty" json:"address,omitempty" toml:"address,omitempty"`

	// Factory derives the address set from emissions of a prior log.
	Factory *FactoryConfig `yaml:"factory,omitempty" json:"factory,omitempty" toml:"factory,omitempty"`

	// Topic0 lists event selectors to match; empty matches every event.
	Topic0 []string `yaml:"topic0,omitempty" json:"topic0,omitempty" toml:"topic0,omitempty"`

	// IncludeReceipts requests transaction receipts for matched logs.
	IncludeReceipts bool `yaml:"include_receipts,omitempty" json:"include_receipts,omitempty" toml:"include_receipts,omitempty"`

	// CallTraces additionally syncs call traces targeting the contract.
	CallTraces bool `yaml:"call_traces,omitempty" json:"call_traces,omitempty" toml:"call_traces,omitempty"`

	// FunctionSelectors restricts synced call traces; empty means all calls.
	FunctionSelectors []string `yaml:"function_selectors,omitempty" json:"function_selectors,omitempty" toml:"function_selectors,omitempty"`

	// StartBlock is the first block to sync.
	StartBlock uint64 `yaml:"start_block,omitempty" json:"start_block,omitempty" toml:"start_block,omitempty"`

	// EndBlock optionally bounds the sync; nil means open-ended.
	EndBlock *uint64 `yaml:"end_block,omitempty" json:"end_block,omitempty" toml:"end_block,omitempty"`

	// MaxBlockRange is the widest eth_getLogs window used during backfill.
	MaxBlockRange uint64 `yaml:"max_block_range,omitempty" json:"max_block_range,omitempty" toml:"max_block_range,omitempty"`
}

// ApplyDefaults sets default values for the contract configuration.
func (c *ContractConfig) ApplyDefaults() {
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 10_000
	}
}

// Validate checks the contract configuration against known network names.
func (c *ContractConfig) Validate(networks map[string]struct{}) error {
	if c.Name == "" {
		return fmt.Errorf("contracts: name is required")
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("contracts[%s].networks: required", c.Name)
	}
	for _, n := range c.Networks {
		if _, ok := networks[n]; !ok {
			return fmt.Errorf("contracts[%s].networks: unknown network %q", c.Name, n)
		}
	}
	if len(c.Address) > 0 && c.Factory != nil {
		return fmt.Errorf("contracts[%s]: address and factory are mutually exclusive", c.Name)
	}
	return nil
}

// FactoryConfig declares a factory-derived address set.
type FactoryConfig struct {
	// Address is the factory contract address.
	Address string `yaml:"address" json:"address" toml:"address"`

	// EventSelector is topic0 of the child-announcing event.
	EventSelector string `yaml:"event_selector" json:"event_selector" toml:"event_selector"`

	// ChildAddressLocation is "topic1", "topic2", "topic3" or "offset<N>".
	ChildAddressLocation string `yaml:"child_address_location" json:"child_address_location" toml:"child_address_location"`
}

// BlockSourceConfig declares a periodic block source.
type BlockSourceConfig struct {
	Name    string `yaml:"name" json:"name" toml:"name"`
	Network string `yaml:"network" json:"network" toml:"network"`

	// Interval selects every Interval-th block, shifted by Offset.
	Interval uint64 `yaml:"interval" json:"interval" toml:"interval"`
	Offset   uint64 `yaml:"offset,omitempty" json:"offset,omitempty" toml:"offset,omitempty"`

	StartBlock uint64  `yaml:"start_block,omitempty" json:"start_block,omitempty" toml:"start_block,omitempty"`
	EndBlock   *uint64 `yaml:"end_block,omitempty" json:"end_block,omitempty" toml:"end_block,omitempty"`
}

// Validate checks the block source configuration.
func (b *BlockSourceConfig) Validate(networks map[string]struct{}) error {
	if b.Name == "" {
		return fmt.Errorf("blocks: name is required")
	}
	if _, ok := networks[b.Network]; !ok {
		return fmt.Errorf("blocks[%s].network: unknown network %q", b.Name, b.Network)
	}
	if b.Interval == 0 {
		return fmt.Errorf("blocks[%s].interval: must be positive", b.Name)
	}
	return nil
}

// OptionsConfig holds cross-cutting tunables.
type OptionsConfig struct {
	// MaxHealthcheckDuration bounds how long the service may report
	// "starting" before the healthcheck turns healthy regardless.
	MaxHealthcheckDuration common.Duration `yaml:"max_healthcheck_duration,omitempty" json:"max_healthcheck_duration,omitempty" toml:"max_healthcheck_duration,omitempty"`

	// SyncStoreMaxIntervals caps per-fragment interval rows before the store
	// declares fatal fragmentation.
	SyncStoreMaxIntervals int `yaml:"sync_store_max_intervals,omitempty" json:"sync_store_max_intervals,omitempty" toml:"sync_store_max_intervals,omitempty"`

	// EventBatchLimit is the max events returned per getEvents batch.
	EventBatchLimit int `yaml:"event_batch_limit,omitempty" json:"event_batch_limit,omitempty" toml:"event_batch_limit,omitempty"`
}

// ApplyDefaults sets default values for options.
func (o *OptionsConfig) ApplyDefaults() {
	if o.MaxHealthcheckDuration.Duration == 0 {
		o.MaxHealthcheckDuration = common.NewDuration(240 * time.Second)
	}
	if o.SyncStoreMaxIntervals == 0 {
		o.SyncStoreMaxIntervals = 1000
	}
	if o.EventBatchLimit == 0 {
		o.EventBatchLimit = 10_000
	}
}

// MaintenanceConfig configures optional sqlite maintenance.
type MaintenanceConfig struct {
	// Enabled turns background maintenance on.
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// CheckInterval is the period between maintenance runs.
	CheckInterval common.Duration `yaml:"check_interval,omitempty" json:"check_interval,omitempty" toml:"check_interval,omitempty"`

	// WALCheckpointMode is the sqlite wal_checkpoint argument.
	WALCheckpointMode string `yaml:"wal_checkpoint_mode,omitempty" json:"wal_checkpoint_mode,omitempty" toml:"wal_checkpoint_mode,omitempty"`
}

// ApplyDefaults sets default values for maintenance configuration.
func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = common.NewDuration(6 * time.Hour)
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
}

// Validate checks the maintenance configuration.
func (m *MaintenanceConfig) Validate() error {
	validModes := []string{"PASSIVE", "FULL", "RESTART", "TRUNCATE"}
	if !slices.Contains(validModes, m.WALCheckpointMode) {
		return fmt.Errorf("maintenance.wal_checkpoint_mode: must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
	}
	return nil
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components.
	// Options: "debug", "info", "warn", "error"
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder).
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components.
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"`
}

// ApplyDefaults sets default values for logging configuration.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks the logging configuration.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component, falling
// back to the default level. Safe on a nil receiver (logging not configured).
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if l == nil {
		return ""
	}
	if level, ok := l.ComponentLevels[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// GetDefaultLevel returns the default log level.
func (l *LoggingConfig) GetDefaultLevel() string {
	if l == nil {
		return "info"
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment returns whether development mode is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l != nil && l.Development
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP endpoint is active.
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the address to bind the metrics HTTP server to.
	ListenAddress string `yaml:"listen_address,omitempty" json:"listen_address,omitempty" toml:"listen_address,omitempty"`

	// Path is the HTTP path where metrics are exposed.
	Path string `yaml:"path,omitempty" json:"path,omitempty" toml:"path,omitempty"`
}

// ApplyDefaults sets default values for metrics configuration.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}
