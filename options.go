package saga

import "time"

const (
	defaultStepTimeout       = 30 * time.Second
	defaultMaxAttempts       = 3
	defaultBackoffBase       = 500 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultBackoffMax        = 1 * time.Minute
	defaultWorkers           = 4
	defaultQueueSize         = 256
	defaultScanInterval      = 1 * time.Second
	defaultScanBatch         = 100
	defaultConflictRetries   = 5

	defaultRelayBatchSize    = 50
	defaultRelayPollInterval = 100 * time.Millisecond
	defaultRelayWorkers      = 1
	defaultLeaseTTL          = 10 * time.Second
	defaultPartitionScan     = 32
	defaultPendingCheck      = 0
)

// OrchestratorConfig defines how the orchestrator executes sagas.
type OrchestratorConfig struct {
	// StepTimeout is the reply deadline for steps whose spec has no timeout.
	StepTimeout time.Duration
	// MaxAttempts bounds dispatches per step; exhausting it is treated as a
	// business failure.
	MaxAttempts int
	// BackoffBase and BackoffMultiplier shape the retry delay:
	// base * multiplier^(attempts-1), capped at BackoffMax.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// Workers is the size of the reply-processing pool.
	Workers int
	// QueueSize is the reply queue capacity.
	QueueSize int
	// ScanInterval is how often the deadline watchdog runs.
	ScanInterval time.Duration
	// ScanBatch caps due records processed per watchdog pass.
	ScanBatch int
	// ConflictRetries bounds re-application after an optimistic version conflict.
	ConflictRetries int
	Clock           Clock
	Logger          Logger
	Metrics         Metrics
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.StepTimeout <= 0 {
		c.StepTimeout = defaultStepTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = defaultScanBatch
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = defaultConflictRetries
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// OrchestratorOption configures orchestrator behavior.
type OrchestratorOption func(*OrchestratorConfig)

// WithStepTimeout sets the default per-step reply deadline.
func WithStepTimeout(timeout time.Duration) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.StepTimeout = timeout
	}
}

// WithMaxAttempts sets the dispatch limit per step.
func WithMaxAttempts(attempts int) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBackoff sets the retry backoff base, multiplier, and cap.
func WithBackoff(base time.Duration, multiplier float64, maxDelay time.Duration) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.BackoffBase = base
		c.BackoffMultiplier = multiplier
		c.BackoffMax = maxDelay
	}
}

// WithWorkers sets the reply-processing pool size.
func WithWorkers(count int) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.Workers = count
	}
}

// WithQueueSize sets the reply queue capacity.
func WithQueueSize(size int) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.QueueSize = size
	}
}

// WithScanInterval sets the deadline watchdog period.
func WithScanInterval(interval time.Duration) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.ScanInterval = interval
	}
}

// WithClock sets the orchestrator clock.
func WithClock(clock Clock) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger Logger) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the orchestrator metrics recorder.
func WithMetrics(metrics Metrics) OrchestratorOption {
	return func(c *OrchestratorConfig) {
		c.Metrics = metrics
	}
}

// RelayConfig defines how the relay polls and publishes outbox messages.
type RelayConfig struct {
	// Owner identifies this relay instance in lease ownership.
	Owner string
	// BatchSize caps messages fetched per partition poll.
	BatchSize int
	// PollInterval is the delay between empty polls.
	PollInterval time.Duration
	// Workers is the number of concurrent partition pollers. Each worker
	// claims partitions under its own lease owner id.
	Workers int
	// LeaseTTL is how long a partition claim lives without renewal.
	LeaseTTL time.Duration
	// PartitionScan caps partitions considered per poll.
	PartitionScan int
	// PendingInterval is the minimum interval between pending count samples.
	// Zero disables sampling.
	PendingInterval time.Duration
	Clock           Clock
	Logger          Logger
	Metrics         Metrics
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Owner == "" {
		c.Owner = "relay"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRelayBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRelayPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultRelayWorkers
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.PartitionScan <= 0 {
		c.PartitionScan = defaultPartitionScan
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// RelayOption configures relay behavior.
type RelayOption func(*RelayConfig)

// WithRelayOwner sets the lease owner id for this relay instance.
func WithRelayOwner(owner string) RelayOption {
	return func(c *RelayConfig) {
		c.Owner = owner
	}
}

// WithRelayBatchSize sets the number of messages fetched per poll.
func WithRelayBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithRelayPollInterval sets the delay between empty polls.
func WithRelayPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithRelayWorkers sets the number of concurrent partition pollers.
func WithRelayWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithLeaseTTL sets the partition lease duration.
func WithLeaseTTL(ttl time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.LeaseTTL = ttl
	}
}

// WithPartitionScan caps partitions considered per poll.
func WithPartitionScan(limit int) RelayOption {
	return func(c *RelayConfig) {
		c.PartitionScan = limit
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
func WithPendingInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PendingInterval = interval
	}
}

// WithRelayClock sets the relay clock.
func WithRelayClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithRelayMetrics sets the relay metrics recorder.
func WithRelayMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}
