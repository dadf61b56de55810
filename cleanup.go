// Copyright 2021 Couchbase
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transactions

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DocRecord represents an individual document operation requiring cleanup.
// Internal: This should never be used and is not supported.
type DocRecord struct {
	BucketName     string
	ScopeName      string
	CollectionName string
	ID             string
}

// CleanupRequest represents a complete transaction attempt that requires
// cleanup.
// Internal: This should never be used and is not supported.
type CleanupRequest struct {
	AttemptID         string
	AtrID             string
	AtrBucketName     string
	AtrScopeName      string
	AtrCollectionName string
	Inserts           []DocRecord
	Replaces          []DocRecord
	Removes           []DocRecord
	State             AttemptState
	ForwardCompat     map[string][]ForwardCompatibilityEntry

	// ReadyTime is the earliest moment the request may be processed; the
	// queue orders on it. Requests from the local attempt path leave it
	// zero and AddRequest stamps the time they are queued; for lost
	// attempts it is the discovery time.
	ReadyTime time.Time

	// FromATREntry marks requests built by the lost-attempt scanner, which
	// must enforce the expiry safety margin before acting.
	FromATREntry bool
}

func (r *CleanupRequest) dedupKey() string {
	return r.AtrBucketName + "/" + r.AtrID + "/" + r.AttemptID
}

// CleanupAttempt represents the result of running cleanup for a
// transaction attempt.
// Internal: This should never be used and is not supported.
type CleanupAttempt struct {
	Success           bool
	IsRegular         bool
	AttemptID         string
	AtrID             string
	AtrBucketName     string
	AtrScopeName      string
	AtrCollectionName string
	Request           *CleanupRequest
}

// Cleaner is responsible for performing cleanup of completed transactions.
// Internal: This should never be used and is not supported.
type Cleaner interface {
	AddRequest(req *CleanupRequest) bool
	PopRequest() *CleanupRequest
	ForceCleanupQueue() []CleanupAttempt
	QueueLength() int32
	CleanupAttempt(isRegular bool, req *CleanupRequest) CleanupAttempt
	Close()
}

// cleanupQueue is a priority queue of cleanup requests ordered by
// ReadyTime, deduplicated on (atr, attempt).
type cleanupQueue struct {
	lock    sync.Mutex
	entries cleanupHeap
	seen    map[string]struct{}
	maxSize int
	clock   Clock
}

type cleanupHeap []*CleanupRequest

func (h cleanupHeap) Len() int            { return len(h) }
func (h cleanupHeap) Less(i, j int) bool  { return h[i].ReadyTime.Before(h[j].ReadyTime) }
func (h cleanupHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cleanupHeap) Push(x interface{}) { *h = append(*h, x.(*CleanupRequest)) }
func (h *cleanupHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func newCleanupQueue(maxSize int, clock Clock) *cleanupQueue {
	return &cleanupQueue{
		seen:    make(map[string]struct{}),
		maxSize: maxSize,
		clock:   clock,
	}
}

func (q *cleanupQueue) push(req *CleanupRequest) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.maxSize > 0 && q.entries.Len() >= q.maxSize {
		return false
	}
	if _, ok := q.seen[req.dedupKey()]; ok {
		return false
	}
	q.seen[req.dedupKey()] = struct{}{}
	heap.Push(&q.entries, req)
	return true
}

// pop returns the head of the queue. With checkTime set, the head is only
// returned once its ReadyTime has passed.
func (q *cleanupQueue) pop(checkTime bool) *CleanupRequest {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.entries.Len() == 0 {
		return nil
	}
	if checkTime && q.entries[0].ReadyTime.After(q.clock.Now()) {
		return nil
	}
	req := heap.Pop(&q.entries).(*CleanupRequest)
	delete(q.seen, req.dedupKey())
	return req
}

func (q *cleanupQueue) size() int32 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return int32(q.entries.Len())
}

type stdCleaner struct {
	store   DocumentStore
	config  *Config
	hooks   CleanupHooks
	clock   Clock
	logger  *zap.Logger
	metrics *engineMetrics

	queue *cleanupQueue

	closeLock sync.Mutex
	closed    bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewCleaner returns a Cleaner implementation which drains its queue on a
// background dispatcher goroutine.
// Internal: This should never be used and is not supported.
func NewCleaner(store DocumentStore, config *Config) Cleaner {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	cleaner := &stdCleaner{
		store:   store,
		config:  config,
		hooks:   config.Internal.CleanupHooks,
		clock:   config.Clock,
		logger:  newLoggers(config.Logger).attemptCleanup,
		metrics: newEngineMetrics(config.MetricsRegisterer),
		queue:   newCleanupQueue(int(config.CleanupQueueSize), config.Clock),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go cleaner.dispatchLoop()
	return cleaner
}

// newAttachedCleaner builds a cleaner sharing the parent's config, logger
// and metrics rather than registering its own.
func newAttachedCleaner(store DocumentStore, config *Config, logger *zap.Logger, metrics *engineMetrics) *stdCleaner {
	cleaner := &stdCleaner{
		store:   store,
		config:  config,
		hooks:   config.Internal.CleanupHooks,
		clock:   config.Clock,
		logger:  logger,
		metrics: metrics,
		queue:   newCleanupQueue(int(config.CleanupQueueSize), config.Clock),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go cleaner.dispatchLoop()
	return cleaner
}

func (c *stdCleaner) dispatchLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(cleanupLoopDelay)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("dispatcher stopping",
				zap.Int32("queued", c.queue.size()))
			return
		case <-ticker.C:
			for {
				select {
				case <-c.stopCh:
					return
				default:
				}
				req := c.queue.pop(true)
				if req == nil {
					break
				}
				c.logger.Debug("beginning cleanup",
					zap.String("atr", req.AtrID), zap.String("attempt", req.AttemptID))
				attempt := c.CleanupAttempt(true, req)
				if !attempt.Success {
					c.logger.Info("cleanup failed, leaving for lost txn cleanup",
						zap.String("atr", req.AtrID), zap.String("attempt", req.AttemptID))
				}
			}
		}
	}
}

func (c *stdCleaner) AddRequest(req *CleanupRequest) bool {
	if req.ReadyTime.IsZero() {
		req.ReadyTime = c.clock.Now()
	}
	return c.queue.push(req)
}

func (c *stdCleaner) PopRequest() *CleanupRequest {
	return c.queue.pop(false)
}

func (c *stdCleaner) QueueLength() int32 {
	return c.queue.size()
}

func (c *stdCleaner) ForceCleanupQueue() []CleanupAttempt {
	var attempts []CleanupAttempt
	for {
		req := c.queue.pop(false)
		if req == nil {
			break
		}
		attempts = append(attempts, c.CleanupAttempt(true, req))
	}
	return attempts
}

func (c *stdCleaner) Close() {
	c.closeLock.Lock()
	if c.closed {
		c.closeLock.Unlock()
		return
	}
	c.closed = true
	close(c.stopCh)
	c.closeLock.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(shutdownBudget):
		// Abandon the rest; other clients will finish it.
		c.logger.Info("shutdown budget exceeded, abandoning cleanup queue",
			zap.Int32("queued", c.queue.size()))
	}
}

// CleanupAttempt drives one cleanup request to completion, returning the
// outcome. All per-document actions are idempotent and CAS-checked, so two
// clients cleaning the same attempt is safe.
func (c *stdCleaner) CleanupAttempt(isRegular bool, req *CleanupRequest) CleanupAttempt {
	err := c.clean(req)
	success := err == nil
	if c.metrics != nil {
		c.metrics.cleanupAttempts.WithLabelValues(outcomeLabel(success)).Inc()
	}
	return CleanupAttempt{
		Success:           success,
		IsRegular:         isRegular,
		AttemptID:         req.AttemptID,
		AtrID:             req.AtrID,
		AtrBucketName:     req.AtrBucketName,
		AtrScopeName:      req.AtrScopeName,
		AtrCollectionName: req.AtrCollectionName,
		Request:           req,
	}
}

// errCleanupRequeued distinguishes "not yet safe to clean" from a failure.
var errCleanupRequeued = errRequeueSentinel{}

type errRequeueSentinel struct{}

func (errRequeueSentinel) Error() string { return "cleanup requeued" }

func (c *stdCleaner) clean(req *CleanupRequest) error {
	atrColl, err := c.store.Collection(req.AtrBucketName, req.AtrScopeName, req.AtrCollectionName)
	if err != nil {
		return err
	}
	if hookErr := c.hooks.BeforeATRGet(req.AtrID); hookErr != nil {
		return hookErr
	}
	entry, err := readATREntry(atrColl, req.AtrID, req.AttemptID, timeoutOpts{kvTimeout: c.config.KeyValueTimeout})
	if err != nil {
		if err == ErrAtrNotFound || err == ErrAtrEntryNotFound {
			// Nothing left to do.
			return nil
		}
		return err
	}

	if fcErr := checkForwardCompat(forwardCompatStageCleanupEntry, entry.forwardCompat, c.clock); fcErr != nil {
		return fcErr
	}

	// A lost attempt may only be taken over once its expiry window plus
	// the safety margin has passed on the server's clock.
	if req.FromATREntry && !entry.hasExpired(safetyMarginMS) {
		req.ReadyTime = c.clock.Now().Add(time.Duration(safetyMarginMS) * time.Millisecond)
		c.queue.push(req)
		return errCleanupRequeued
	}

	switch entry.state {
	case AttemptStateCommitted:
		if err := c.cleanupCommittedDocs(entry); err != nil {
			return err
		}
		return c.setEntryCompleted(atrColl, req)
	case AttemptStatePending, AttemptStateAborted:
		if err := c.cleanupRolledBackDocs(entry); err != nil {
			return err
		}
		return c.setEntryRolledBack(atrColl, req)
	case AttemptStateCompleted, AttemptStateRolledBack:
		return c.removeEntry(atrColl, req)
	default:
		c.logger.Debug("attempt needs no cleanup",
			zap.String("attempt", req.AttemptID), zap.Stringer("state", entry.state))
		return nil
	}
}

func (c *stdCleaner) setEntryCompleted(atrColl Collection, req *CleanupRequest) error {
	_, err := atrColl.MutateIn(req.AtrID, []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(req.AttemptID, atrFieldStatus),
			Value: jsonMarshalMust(AttemptStateCompleted.String()), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(req.AttemptID, atrFieldTimestampComplete),
			Value: jsonMarshalMust(MutationCASMacro), Xattr: true, ExpandMacros: true},
	}, c.atrMutateOpts())
	if err != nil {
		return err
	}
	return c.removeEntry(atrColl, req)
}

func (c *stdCleaner) setEntryRolledBack(atrColl Collection, req *CleanupRequest) error {
	_, err := atrColl.MutateIn(req.AtrID, []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(req.AttemptID, atrFieldStatus),
			Value: jsonMarshalMust(AttemptStateRolledBack.String()), Xattr: true},
		{Op: MutateInOpUpsertPath, Path: atrEntryFieldPath(req.AttemptID, atrFieldRollbackComplete),
			Value: jsonMarshalMust(MutationCASMacro), Xattr: true, ExpandMacros: true},
	}, c.atrMutateOpts())
	if err != nil {
		return err
	}
	return c.removeEntry(atrColl, req)
}

func (c *stdCleaner) removeEntry(atrColl Collection, req *CleanupRequest) error {
	if hookErr := c.hooks.BeforeATRRemove(req.AtrID); hookErr != nil {
		return hookErr
	}
	if err := removeATREntry(atrColl, req.AtrID, req.AttemptID, c.atrMutateOpts()); err != nil {
		c.logger.Error("cleanup couldn't remove attempt entry",
			zap.String("attempt", req.AttemptID), zap.Error(err))
		return err
	}
	c.logger.Debug("removed attempt entry", zap.String("attempt", req.AttemptID))
	return nil
}

func (c *stdCleaner) atrMutateOpts() *MutateInOptions {
	return &MutateInOptions{
		Durability: c.config.DurabilityLevel,
		Timeout:    c.config.KeyValueTimeout,
	}
}

func (c *stdCleaner) cleanupCommittedDocs(entry *atrEntry) error {
	if err := c.commitDocs(entry, entry.insertedIDs); err != nil {
		return err
	}
	if err := c.commitDocs(entry, entry.replacedIDs); err != nil {
		return err
	}
	return c.removeDocsStagedForRemoval(entry, entry.removedIDs)
}

func (c *stdCleaner) cleanupRolledBackDocs(entry *atrEntry) error {
	if err := c.removeDocs(entry, entry.insertedIDs); err != nil {
		return err
	}
	if err := c.removeTxnLinks(entry, entry.replacedIDs); err != nil {
		return err
	}
	return c.removeTxnLinks(entry, entry.removedIDs)
}

// perDoc fetches each doc-record and invokes call on those still staged by
// this attempt. Documents that have moved on are skipped; with
// requireCRCToMatch set, so are documents whose body changed since the
// stage was written.
func (c *stdCleaner) perDoc(entry *atrEntry, docs []DocRecord, requireCRCToMatch bool, call func(doc *GetResult) error) error {
	for _, dr := range docs {
		coll, err := c.store.Collection(dr.BucketName, dr.ScopeName, dr.CollectionName)
		if err != nil {
			return err
		}
		if hookErr := c.hooks.BeforeDocGet(dr.ID); hookErr != nil {
			return hookErr
		}
		doc, err := fetchDocWithLinks(coll, dr.ID, c.config.KeyValueTimeout)
		if err != nil {
			if classifyError(err) == ErrorClassFailDocNotFound {
				c.logger.Debug("document not found during cleanup, ignoring",
					zap.String("id", dr.ID))
				continue
			}
			return err
		}
		if doc == nil {
			continue
		}
		if !doc.links.hasStagedWrite() ||
			(!doc.links.hasStagedContent() && !doc.links.isDocumentBeingRemoved()) {
			c.logger.Debug("document has no staged content, skipping",
				zap.String("id", dr.ID))
			continue
		}
		if doc.links.attemptID != entry.attemptID {
			c.logger.Debug("document staged by different attempt, skipping",
				zap.String("id", dr.ID), zap.String("staged", doc.links.attemptID))
			continue
		}
		if requireCRCToMatch {
			if doc.metadata == nil || doc.metadata.crc32 == "" ||
				doc.links.crc32OfStaging == "" ||
				doc.links.crc32OfStaging != doc.metadata.crc32 {
				c.logger.Info("document crc32 doesn't match staged value, skipping",
					zap.String("id", dr.ID))
				continue
			}
		}
		if err := call(doc); err != nil {
			return err
		}
	}
	return nil
}

func (c *stdCleaner) commitDocs(entry *atrEntry, docs []DocRecord) error {
	return c.perDoc(entry, docs, true, func(doc *GetResult) error {
		if !doc.links.hasStagedContent() {
			return nil
		}
		if hookErr := c.hooks.BeforeCommitDoc(doc.docID); hookErr != nil {
			return hookErr
		}
		if doc.tombstone {
			_, err := doc.collection.Insert(doc.docID, doc.links.stagedContent, c.writeOpts())
			if err != nil && classifyError(err) != ErrorClassFailDocAlreadyExists {
				return err
			}
			return nil
		}
		_, err := doc.collection.MutateIn(doc.docID, []MutateInSpec{
			{Op: MutateInOpUpsertPath, Path: transactionInterfacePrefixOnly,
				Value: json.RawMessage("null"), Xattr: true},
			{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
			{Op: MutateInOpReplaceFull, Value: doc.links.stagedContent},
		}, &MutateInOptions{Cas: doc.cas, Durability: c.config.DurabilityLevel, Timeout: c.config.KeyValueTimeout})
		if err != nil && classifyError(err) != ErrorClassFailCasMismatch {
			return err
		}
		return nil
	})
}

func (c *stdCleaner) removeDocsStagedForRemoval(entry *atrEntry, docs []DocRecord) error {
	return c.perDoc(entry, docs, true, func(doc *GetResult) error {
		if !doc.links.isDocumentBeingRemoved() {
			c.logger.Debug("document not marked for removal, skipping",
				zap.String("id", doc.docID))
			return nil
		}
		if hookErr := c.hooks.BeforeRemoveDocStagedForRemoval(doc.docID); hookErr != nil {
			return hookErr
		}
		_, err := doc.collection.Remove(doc.docID, doc.cas, c.writeOpts())
		if err != nil && classifyError(err) != ErrorClassFailDocNotFound &&
			classifyError(err) != ErrorClassFailCasMismatch {
			return err
		}
		return nil
	})
}

// removeDocs rolls back staged inserts: the staged tombstone loses its txn
// xattr, or a resurrected doc is deleted outright.
func (c *stdCleaner) removeDocs(entry *atrEntry, docs []DocRecord) error {
	return c.perDoc(entry, docs, true, func(doc *GetResult) error {
		if hookErr := c.hooks.BeforeRemoveDoc(doc.docID); hookErr != nil {
			return hookErr
		}
		if doc.tombstone {
			_, err := doc.collection.MutateIn(doc.docID, []MutateInSpec{
				{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
			}, &MutateInOptions{Cas: doc.cas, AccessDeleted: true,
				Durability: c.config.DurabilityLevel, Timeout: c.config.KeyValueTimeout})
			if err != nil && classifyError(err) != ErrorClassFailCasMismatch &&
				classifyError(err) != ErrorClassFailPathNotFound {
				return err
			}
			return nil
		}
		_, err := doc.collection.Remove(doc.docID, doc.cas, c.writeOpts())
		if err != nil && classifyError(err) != ErrorClassFailDocNotFound &&
			classifyError(err) != ErrorClassFailCasMismatch {
			return err
		}
		return nil
	})
}

// removeTxnLinks rolls back staged replaces and removes by stripping the
// txn xattr, restoring the pre-transaction body.
func (c *stdCleaner) removeTxnLinks(entry *atrEntry, docs []DocRecord) error {
	return c.perDoc(entry, docs, false, func(doc *GetResult) error {
		if hookErr := c.hooks.BeforeRemoveLinks(doc.docID); hookErr != nil {
			return hookErr
		}
		_, err := doc.collection.MutateIn(doc.docID, []MutateInSpec{
			{Op: MutateInOpUpsertPath, Path: transactionInterfacePrefixOnly,
				Value: json.RawMessage("null"), Xattr: true},
			{Op: MutateInOpRemovePath, Path: transactionInterfacePrefixOnly, Xattr: true},
		}, &MutateInOptions{Cas: doc.cas, AccessDeleted: true,
			Durability: c.config.DurabilityLevel, Timeout: c.config.KeyValueTimeout})
		if err != nil && classifyError(err) != ErrorClassFailCasMismatch &&
			classifyError(err) != ErrorClassFailPathNotFound {
			return err
		}
		return nil
	})
}

func (c *stdCleaner) writeOpts() *WriteOptions {
	return &WriteOptions{
		Durability: c.config.DurabilityLevel,
		Timeout:    c.config.KeyValueTimeout,
	}
}

// fetchDocWithLinks is the shared raw fetch of a document's body, txn
// xattr and metadata used by the cleanup paths.
func fetchDocWithLinks(coll Collection, id string, timeout time.Duration) (*GetResult, error) {
	res, err := coll.LookupIn(id, []LookupInSpec{
		LookupGetSpec(transactionInterfacePrefixOnly, true),
		LookupGetSpec(VirtualDocumentPath, true),
		LookupFullDocSpec(),
	}, &LookupInOptions{AccessDeleted: true, Timeout: timeout})
	if err != nil {
		return nil, err
	}

	doc := &GetResult{
		collection: coll,
		docID:      id,
		cas:        res.Cas,
		tombstone:  res.IsDeleted,
	}
	if res.Exists(0) {
		var xattr jsonTxnXattr
		if err := res.ContentAt(0, &xattr); err != nil {
			return nil, err
		}
		doc.links = txnLinks{
			atrID:          xattr.ATR.DocID,
			atrBucketName:  xattr.ATR.BucketName,
			atrScopeName:   xattr.ATR.ScopeName,
			atrCollName:    xattr.ATR.CollectionName,
			transactionID:  xattr.ID.Transaction,
			attemptID:      xattr.ID.Attempt,
			stagedContent:  xattr.Op.Staged,
			crc32OfStaging: xattr.Op.CRC32,
			op:             xattr.Op.Type,
			forwardCompat:  xattr.FC,
			isDeleted:      res.IsDeleted,
		}
	}
	if res.Exists(1) {
		var meta struct {
			CAS     string `json:"CAS"`
			RevID   string `json:"revid"`
			ExpTime uint   `json:"exptime"`
			CRC32   string `json:"value_crc32c"`
		}
		if err := res.ContentAt(1, &meta); err == nil {
			doc.metadata = &docMetadata{
				cas:     meta.CAS,
				revID:   meta.RevID,
				expTime: meta.ExpTime,
				crc32:   meta.CRC32,
			}
		}
	}
	if res.Exists(2) {
		_ = res.ContentAt(2, &doc.content)
	}
	return doc, nil
}
