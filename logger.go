package transactions

import "go.uber.org/zap"

// The engine logs through three named subsystems, mirroring the protocol's
// moving parts: the attempt path, the client-attempt cleanup dispatcher and
// the lost-attempt scanner. All three derive from the single logger
// injected through Config.
type loggers struct {
	txn            *zap.Logger
	attemptCleanup *zap.Logger
	lostCleanup    *zap.Logger
}

func newLoggers(base *zap.Logger) *loggers {
	if base == nil {
		base = zap.NewNop()
	}
	return &loggers{
		txn:            base.Named("txn"),
		attemptCleanup: base.Named("attempt_cleanup"),
		lostCleanup:    base.Named("lost_attempts_cleanup"),
	}
}
