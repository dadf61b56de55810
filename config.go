package transactions

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Protocol timing constants. The safety margin pads every expiry decision
// another client makes about this client's work, absorbing clock skew.
const (
	safetyMarginMS        = 2000
	clientHeartbeatPeriod = 2500 * time.Millisecond
	cleanupLoopDelay      = 100 * time.Millisecond
	shutdownBudget        = 5 * time.Second
	clientRecordPruneCap  = 13
)

type Config struct {
	// ExpirationTime sets the maximum time that transactions created
	// by this Transactions object can run for, before expiring.
	ExpirationTime time.Duration

	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this Transactions object.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout specifies the default timeout used for all KV writes.
	KeyValueTimeout time.Duration

	// CleanupWindow specifies how often the cleanup process runs
	// attempting to garbage collect transactions that have failed but
	// were not cleaned up by the previous client.
	CleanupWindow time.Duration

	// CleanupClientAttempts controls whether any transaction attempts made
	// by this client are automatically removed.
	CleanupClientAttempts bool

	// CleanupLostAttempts controls whether a background process is created
	// to cleanup any 'lost' transaction attempts.
	CleanupLostAttempts bool

	// CleanupQueueSize controls the maximum size of the per-client cleanup
	// queue.
	CleanupQueueSize uint32

	// Logger is the base logger for the engine's subsystems. Defaults to a
	// no-op logger.
	Logger *zap.Logger

	// Clock supplies time to the engine. Defaults to the system clock.
	Clock Clock

	// MetricsRegisterer, when non-nil, receives the engine's prometheus
	// collectors.
	MetricsRegisterer prometheus.Registerer

	// Internal specifies a set of options for internal use.
	// Internal: This should never be used and is not supported.
	Internal struct {
		Hooks             TransactionHooks
		CleanupHooks      CleanupHooks
		ClientRecordHooks ClientRecordHooks
		NumATRs           int
	}
}

func (c *Config) applyDefaults() {
	if c.ExpirationTime == 0 {
		c.ExpirationTime = 15 * time.Second
	}
	if c.DurabilityLevel == 0 {
		c.DurabilityLevel = DurabilityLevelMajority
	}
	if c.KeyValueTimeout == 0 {
		c.KeyValueTimeout = 2500 * time.Millisecond
	}
	if c.CleanupWindow == 0 {
		c.CleanupWindow = 60 * time.Second
	}
	if c.CleanupQueueSize == 0 {
		c.CleanupQueueSize = 10000
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Internal.Hooks == nil {
		c.Internal.Hooks = DefaultTransactionHooks{}
	}
	if c.Internal.CleanupHooks == nil {
		c.Internal.CleanupHooks = DefaultCleanupHooks{}
	}
	if c.Internal.ClientRecordHooks == nil {
		c.Internal.ClientRecordHooks = DefaultClientRecordHooks{}
	}
	if c.Internal.NumATRs == 0 {
		c.Internal.NumATRs = numATRs
	}
}

type PerTransactionConfig struct {
	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this transaction.
	DurabilityLevel DurabilityLevel

	// ExpirationTime overrides the attempt expiry for this transaction.
	ExpirationTime time.Duration
}
