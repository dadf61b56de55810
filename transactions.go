package transactions

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AttemptFunc is the body of a transaction. It may be invoked multiple
// times, once per attempt; it must be safe to re-run from scratch.
type AttemptFunc func(*AttemptContext) error

// Transactions can be used to perform transactions against a document
// store.
type Transactions struct {
	config  Config
	store   DocumentStore
	loggers *loggers
	metrics *engineMetrics

	cleaner     *stdCleaner
	lostCleaner *lostTransactionCleaner
	clientUUID  string

	closeLock sync.Mutex
	closed    bool
}

// Init will initialize the transactions library and return a Transactions
// object which can be used to perform transactions.
func Init(store DocumentStore, config *Config) (*Transactions, error) {
	if store == nil {
		return nil, errors.New("document store must be provided")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	t := &Transactions{
		config:     *config,
		store:      store,
		loggers:    newLoggers(config.Logger),
		metrics:    newEngineMetrics(config.MetricsRegisterer),
		clientUUID: uuid.NewString(),
	}

	if config.CleanupClientAttempts || config.CleanupLostAttempts {
		t.cleaner = newAttachedCleaner(store, &t.config, t.loggers.attemptCleanup, t.metrics)
	}
	if config.CleanupLostAttempts {
		t.lostCleaner = newLostTransactionCleaner(store, &t.config, t.clientUUID,
			t.loggers.lostCleanup, t.metrics, t.cleaner)
		t.lostCleaner.start()
	}

	return t, nil
}

// Config returns the config that was used during the initialization of
// this Transactions object.
func (t *Transactions) Config() Config {
	return t.config
}

// Internal returns the background cleanup services for this Transactions
// object.
// Internal: This should never be used and is not supported.
func (t *Transactions) Internal() (Cleaner, LostTransactionCleaner) {
	if t.lostCleaner == nil {
		return t.cleaner, nil
	}
	return t.cleaner, t.lostCleaner
}

// Run runs a lambda to perform a number of operations as part of a
// singular transaction.
func (t *Transactions) Run(logicFn AttemptFunc, perConfig *PerTransactionConfig) (*Result, error) {
	durability := t.config.DurabilityLevel
	expiration := t.config.ExpirationTime
	if perConfig != nil {
		if perConfig.DurabilityLevel != 0 {
			durability = perConfig.DurabilityLevel
		}
		if perConfig.ExpirationTime != 0 {
			expiration = perConfig.ExpirationTime
		}
	}

	txnID := uuid.NewString()
	txnStart := t.config.Clock.Now()
	deadline := txnStart.Add(expiration)

	t.loggers.txn.Debug("beginning transaction", zap.String("txn", txnID))

	var attempts []Attempt
	for iteration := 0; ; iteration++ {
		attempt := t.newAttempt(txnID, txnStart, durability, expiration)

		err := logicFn(attempt)
		if err == nil && attempt.needsCommit() {
			err = attempt.Commit()
		}

		attempts = append(attempts, attempt.attemptRecord())

		if err == nil {
			t.addCleanupRequest(attempt)
			result := &Result{
				TransactionID:     txnID,
				Attempts:          attempts,
				UnstagingComplete: attempt.unstagingComplete,
			}
			t.metrics.transactionsTotal.WithLabelValues("success").Inc()
			t.metrics.attemptsTotal.WithLabelValues(attempt.finalState().String()).Inc()
			return result, nil
		}

		var txnErr *TransactionOperationFailedError
		if !errors.As(err, &txnErr) {
			// An application error from the body: the attempt rolls back
			// and the error is surfaced as a plain transaction failure.
			txnErr = operationFailed(ErrorClassFailOther, err)
		}

		if txnErr.Rollback() && attempt.canRollback() {
			if rbErr := attempt.Rollback(); rbErr != nil {
				t.loggers.txn.Info("rollback after failure failed",
					zap.String("txn", txnID), zap.String("attempt", attempt.attemptID),
					zap.Error(rbErr))
			}
			attempts[len(attempts)-1] = attempt.attemptRecord()
		}
		t.addCleanupRequest(attempt)
		t.metrics.attemptsTotal.WithLabelValues(attempt.finalState().String()).Inc()

		if txnErr.Retry() && t.config.Clock.Now().Before(deadline) {
			backoff := retryBackoff(iteration)
			if remaining := deadline.Sub(t.config.Clock.Now()); backoff > remaining {
				backoff = remaining
			}
			t.loggers.txn.Debug("retrying transaction",
				zap.String("txn", txnID), zap.Duration("backoff", backoff))
			t.config.Clock.Sleep(backoff)
			continue
		}

		result := &Result{
			TransactionID:     txnID,
			Attempts:          attempts,
			UnstagingComplete: attempt.unstagingComplete,
		}
		if txnErr.Retry() && !t.config.Clock.Now().Before(deadline) {
			// Retries exhausted by the global deadline.
			t.metrics.transactionsTotal.WithLabelValues("expired").Inc()
			return nil, &TransactionExpiredError{result: result}
		}
		t.metrics.transactionsTotal.WithLabelValues(txnErr.ToRaise().String()).Inc()
		return nil, createFinalError(txnErr, result)
	}
}

func (t *Transactions) newAttempt(txnID string, txnStart time.Time, durability DurabilityLevel, expiration time.Duration) *AttemptContext {
	attemptID := uuid.NewString()
	attempt := &AttemptContext{
		parent:          t,
		txnID:           txnID,
		attemptID:       attemptID,
		state:           AttemptStateNothingWritten,
		durability:      durability,
		expiration:      expiration,
		kvTimeout:       t.config.KeyValueTimeout,
		txnStartTime:    txnStart,
		stagedMutations: &stagedMutationQueue{},
		hooks:           t.config.Internal.Hooks,
		clock:           t.config.Clock,
		logger:          t.loggers.txn.With(zap.String("txn", txnID)),
	}
	t.loggers.txn.Debug("added new attempt",
		zap.String("txn", txnID), zap.String("attempt", attemptID))
	return attempt
}

// addCleanupRequest queues the attempt for client-attempt cleanup when it
// ended in a state cleanup can improve on.
func (t *Transactions) addCleanupRequest(attempt *AttemptContext) {
	if !t.config.CleanupClientAttempts || t.cleaner == nil {
		return
	}
	req := attempt.cleanupRequest()
	if req == nil {
		t.loggers.attemptCleanup.Debug("attempt needs no cleanup",
			zap.String("attempt", attempt.attemptID))
		return
	}
	if t.cleaner.AddRequest(req) {
		t.loggers.attemptCleanup.Debug("added attempt to cleanup queue",
			zap.String("attempt", attempt.attemptID))
	}
}

// Close will shut down this Transactions object, stopping all background
// tasks associated with it.
func (t *Transactions) Close() error {
	t.closeLock.Lock()
	if t.closed {
		t.closeLock.Unlock()
		return nil
	}
	t.closed = true
	t.closeLock.Unlock()

	if t.lostCleaner != nil {
		t.lostCleaner.Close()
	}
	if t.cleaner != nil {
		t.cleaner.Close()
	}
	return nil
}

// NewLostCleanup returns a LostTransactionCleaner implementation detached
// from any Transactions object.
// Internal: This should never be used and is not supported.
func NewLostCleanup(store DocumentStore, config *Config) LostTransactionCleaner {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	logs := newLoggers(config.Logger)
	metrics := newEngineMetrics(config.MetricsRegisterer)
	cleaner := newAttachedCleaner(store, config, logs.attemptCleanup, metrics)
	lost := newLostTransactionCleaner(store, config, uuid.NewString(),
		logs.lostCleanup, metrics, cleaner)
	lost.start()
	return lost
}

// needsCommit gates only on the attempt being done; an attempt poisoned
// by an earlier operation failure must still reach Commit so that its
// existingError check fails the transaction rather than reporting a
// silent success.
func (c *AttemptContext) needsCommit() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return !c.isDone
}

func (c *AttemptContext) canRollback() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return !c.isDone && c.state != AttemptStateCommitted &&
		c.state != AttemptStateCompleted && c.state != AttemptStateRolledBack
}

func (c *AttemptContext) finalState() AttemptState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *AttemptContext) attemptRecord() Attempt {
	c.lock.Lock()
	defer c.lock.Unlock()
	return Attempt{
		ID:                c.attemptID,
		State:             c.state,
		UnstagingComplete: c.unstagingComplete,
	}
}
