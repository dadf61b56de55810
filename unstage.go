package transactions

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Commit-time and rollback-time walkers over the staged-mutation log.
// Mutations are applied in insertion order. Everything here runs after the
// commit point (or during rollback), so failures never unwind the
// transaction; they defer the remainder to cleanup.

func (c *AttemptContext) commitStagedMutations() error {
	for _, item := range c.stagedMutations.extract() {
		var err error
		switch item.opType {
		case stagedMutationRemove:
			err = retryOp(func() error { return c.removeDoc(item) })
		default:
			ambiguityResolutionMode := false
			casZeroMode := false
			err = retryOp(func() error {
				return c.commitDoc(item, &ambiguityResolutionMode, &casZeroMode)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// commitDoc moves one staged insert or replace into the visible body,
// clearing the txn xattr in the same atomic operation. A CAS mismatch in
// ambiguity-resolution mode means the previous, ambiguous unstage landed
// and someone has since written the doc; the mutation is already durable
// so that is not an error to fight.
func (c *AttemptContext) commitDoc(item *stagedMutation, ambiguityResolutionMode, casZeroMode *bool) error {
	c.checkExpiryDuringCommitOrRollback(stageCommitDoc, item.docID)
	if hookErr := c.hooks.BeforeDocCommitted(c, item.docID); hookErr != nil {
		return c.classifyCommitDocError(hookErr, ambiguityResolutionMode, casZeroMode)
	}

	c.logger.Debug("committing doc",
		zap.String("id", item.docID),
		zap.Bool("casZeroMode", *casZeroMode),
		zap.Bool("ambiguityResolutionMode", *ambiguityResolutionMode))

	var err error
	if item.opType == stagedMutationInsert && !*casZeroMode {
		// A staged insert is a tombstone; inserting the body resurrects the
		// document without any txn xattr.
		_, err = item.collection.Insert(item.docID, item.content, &WriteOptions{
			Durability: c.durability,
			Timeout:    c.kvTimeout,
		})
	} else {
		cas := item.cas
		if *casZeroMode {
			cas = 0
		}
		opts := c.mutateOpts(cas)
		_, err = item.collection.MutateIn(item.docID, []MutateInSpec{
			{Op: MutateInOpUpsertPath, Path: transactionInterfacePrefixOnly,
				Value: json.RawMessage("null"), Xattr: true},
			{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
			{Op: MutateInOpReplaceFull, Value: item.content},
		}, opts)
	}
	if err != nil {
		return c.classifyCommitDocError(err, ambiguityResolutionMode, casZeroMode)
	}

	if hookErr := c.hooks.AfterDocCommitted(c, item.docID); hookErr != nil {
		return c.classifyCommitDocError(hookErr, ambiguityResolutionMode, casZeroMode)
	}
	return nil
}

func (c *AttemptContext) classifyCommitDocError(err error, ambiguityResolutionMode, casZeroMode *bool) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, ErrAttemptExpired).noRollback().failedPostCommit()
	}
	switch classifyError(err) {
	case ErrorClassFailAmbiguous:
		*ambiguityResolutionMode = true
		return errRetryOperation
	case ErrorClassFailCasMismatch, ErrorClassFailDocAlreadyExists:
		if *ambiguityResolutionMode {
			return operationFailed(classifyError(err), err).noRollback().failedPostCommit()
		}
		*ambiguityResolutionMode = true
		*casZeroMode = true
		return errRetryOperation
	default:
		return operationFailed(classifyError(err), err).noRollback().failedPostCommit()
	}
}

// removeDoc deletes a document staged for removal.
func (c *AttemptContext) removeDoc(item *stagedMutation) error {
	c.checkExpiryDuringCommitOrRollback(stageRemoveDoc, item.docID)
	if hookErr := c.hooks.BeforeDocRemoved(c, item.docID); hookErr != nil {
		return c.classifyRemoveDocError(hookErr)
	}
	_, err := item.collection.Remove(item.docID, 0, &WriteOptions{
		Durability: c.durability,
		Timeout:    c.kvTimeout,
	})
	if err != nil {
		return c.classifyRemoveDocError(err)
	}
	if hookErr := c.hooks.AfterDocRemoved(c, item.docID); hookErr != nil {
		return c.classifyRemoveDocError(hookErr)
	}
	return nil
}

func (c *AttemptContext) classifyRemoveDocError(err error) error {
	if c.expiryOvertimeMode {
		return operationFailed(classifyError(err), err).noRollback().failedPostCommit()
	}
	switch classifyError(err) {
	case ErrorClassFailAmbiguous:
		return errRetryOperation
	case ErrorClassFailDocNotFound:
		// Someone (cleanup, most likely) beat us to it.
		return nil
	default:
		return operationFailed(classifyError(err), err).noRollback().failedPostCommit()
	}
}

func (c *AttemptContext) rollbackStagedMutations() error {
	for _, item := range c.stagedMutations.extract() {
		var err error
		switch item.opType {
		case stagedMutationInsert:
			err = retryOp(func() error { return c.rollbackInsert(item) })
		default:
			err = retryOp(func() error { return c.rollbackRemoveOrReplace(item) })
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// rollbackInsert strips the txn xattr from the staged-insert tombstone,
// leaving a bare tombstone as if the insert never happened.
func (c *AttemptContext) rollbackInsert(item *stagedMutation) error {
	c.logger.Debug("rolling back staged insert",
		zap.String("id", item.docID), zap.Uint64("cas", uint64(item.cas)))
	if err := c.errorIfExpiredAndNotInOvertime(stageDeleteInserted, item.docID); err != nil {
		c.expiryOvertimeMode = true
		return errRetryOperation
	}
	if hookErr := c.hooks.BeforeRollbackDeleteInserted(c, item.docID); hookErr != nil {
		return c.classifyRollbackInsertError(hookErr)
	}
	opts := c.mutateOpts(item.cas)
	opts.AccessDeleted = true
	_, err := item.collection.MutateIn(item.docID, []MutateInSpec{
		{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
	}, opts)
	if err != nil {
		return c.classifyRollbackInsertError(err)
	}
	if hookErr := c.hooks.AfterRollbackDeleteInserted(c, item.docID); hookErr != nil {
		return c.classifyRollbackInsertError(hookErr)
	}
	return nil
}

func (c *AttemptContext) classifyRollbackInsertError(err error) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, err).noRollback().expired()
	}
	switch classifyError(err) {
	case ErrorClassFailHard, ErrorClassFailCasMismatch:
		return operationFailed(classifyError(err), err).noRollback()
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return errRetryOperation
	case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound:
		// Already cleaned up.
		return nil
	default:
		return errRetryOperation
	}
}

// rollbackRemoveOrReplace strips the txn xattr from a staged replace or
// remove, restoring the pre-transaction document.
func (c *AttemptContext) rollbackRemoveOrReplace(item *stagedMutation) error {
	c.logger.Debug("rolling back staged remove/replace",
		zap.String("id", item.docID), zap.Uint64("cas", uint64(item.cas)))
	if err := c.errorIfExpiredAndNotInOvertime(stageRollbackDoc, item.docID); err != nil {
		c.expiryOvertimeMode = true
		return errRetryOperation
	}
	if hookErr := c.hooks.BeforeDocRolledBack(c, item.docID); hookErr != nil {
		return c.classifyRollbackRemoveOrReplaceError(hookErr)
	}
	_, err := item.collection.MutateIn(item.docID, []MutateInSpec{
		{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
	}, c.mutateOpts(item.cas))
	if err != nil {
		return c.classifyRollbackRemoveOrReplaceError(err)
	}
	if hookErr := c.hooks.AfterDocRolledBack(c, item.docID); hookErr != nil {
		return c.classifyRollbackRemoveOrReplaceError(hookErr)
	}
	return nil
}

func (c *AttemptContext) classifyRollbackRemoveOrReplaceError(err error) error {
	if c.expiryOvertimeMode {
		return operationFailed(ErrorClassFailExpiry, err).noRollback()
	}
	switch classifyError(err) {
	case ErrorClassFailHard, ErrorClassFailDocNotFound, ErrorClassFailCasMismatch:
		return operationFailed(classifyError(err), err).noRollback()
	case ErrorClassFailExpiry:
		c.expiryOvertimeMode = true
		return errRetryOperation
	case ErrorClassFailPathNotFound:
		// Already cleaned up.
		return nil
	default:
		return errRetryOperation
	}
}
