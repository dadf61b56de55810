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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientRecordDetails is the result of processing a client record.
// Internal: This should never be used and is not supported.
type ClientRecordDetails struct {
	NumActiveClients   int
	IndexOfThisClient  int
	NumExistingClients int
	NumExpiredClients  int
	ExpiredClientIDs   []string
	OverrideEnabled    bool
	OverrideActive     bool
	OverrideExpires    uint64
	CasNowMS           uint64
	ClientUUID         string
}

// ProcessATRStats is the stats recorded when running a ProcessATR request.
// Internal: This should never be used and is not supported.
type ProcessATRStats struct {
	NumEntries        int
	NumEntriesExpired int
}

// LostTransactionCleaner is responsible for performing cleanup of lost
// transactions.
// Internal: This should never be used and is not supported.
type LostTransactionCleaner interface {
	ProcessATR(bucket, scope, collection, atrID string) ([]CleanupAttempt, ProcessATRStats, error)
	ProcessClient(bucket, scope, collection, clientUUID string) (*ClientRecordDetails, error)
	RemoveClient(uuid string) error
	Close()
}

// lostTransactionCleaner owns the per-process background reconciliation of
// attempts abandoned by crashed clients. It maintains membership in the
// per-bucket client registry via heartbeats, walks its assigned share of
// the bucket's ATRs once per cleanup window, and feeds expired attempts
// into the shared cleanup queue.
type lostTransactionCleaner struct {
	store      DocumentStore
	config     *Config
	hooks      ClientRecordHooks
	clock      Clock
	logger     *zap.Logger
	metrics    *engineMetrics
	cleaner    *stdCleaner
	clientUUID string

	lock    sync.Mutex
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	details map[string]*ClientRecordDetails
}

func newLostTransactionCleaner(store DocumentStore, config *Config, clientUUID string,
	logger *zap.Logger, metrics *engineMetrics, cleaner *stdCleaner) *lostTransactionCleaner {
	return &lostTransactionCleaner{
		store:      store,
		config:     config,
		hooks:      config.Internal.ClientRecordHooks,
		clock:      config.Clock,
		logger:     logger,
		metrics:    metrics,
		cleaner:    cleaner,
		clientUUID: clientUUID,
		stopCh:     make(chan struct{}),
		details:    make(map[string]*ClientRecordDetails),
	}
}

func (l *lostTransactionCleaner) start() {
	l.wg.Add(2)
	go l.heartbeatLoop()
	go l.scanLoop()
}

// heartbeatLoop keeps this client's registry entry fresh and the shard
// assignment current on every bucket.
func (l *lostTransactionCleaner) heartbeatLoop() {
	defer l.wg.Done()
	for {
		l.heartbeatAllBuckets()
		select {
		case <-l.stopCh:
			return
		case <-l.clock.After(clientHeartbeatPeriod):
		}
	}
}

func (l *lostTransactionCleaner) heartbeatAllBuckets() {
	buckets, err := l.store.BucketNames()
	if err != nil {
		l.logger.Error("failed to list buckets for heartbeat", zap.Error(err))
		return
	}
	for _, bucket := range buckets {
		details, err := l.ProcessClient(bucket, "_default", "_default", l.clientUUID)
		if err != nil {
			l.logger.Error("failed to process client record",
				zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		l.lock.Lock()
		l.details[bucket] = details
		l.lock.Unlock()
	}
}

// scanLoop walks this client's assigned ATR shard every cleanup window,
// pacing reads so the load spreads roughly uniformly across the window.
func (l *lostTransactionCleaner) scanLoop() {
	defer l.wg.Done()
	l.logger.Info("starting lost attempts loop", zap.String("client", l.clientUUID))
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		buckets, err := l.store.BucketNames()
		if err != nil {
			l.logger.Error("failed to list buckets", zap.Error(err))
			if !l.interruptableWait(l.config.CleanupWindow) {
				return
			}
			continue
		}
		for _, bucket := range buckets {
			if !l.cleanLostAttemptsInBucket(bucket) {
				return
			}
		}
	}
}

func (l *lostTransactionCleaner) cleanLostAttemptsInBucket(bucket string) bool {
	l.logger.Debug("cleanup starting", zap.String("bucket", bucket))
	l.lock.Lock()
	details := l.details[bucket]
	l.lock.Unlock()
	if details == nil {
		var err error
		details, err = l.ProcessClient(bucket, "_default", "_default", l.clientUUID)
		if err != nil {
			l.logger.Error("failed to process client record",
				zap.String("bucket", bucket), zap.Error(err))
			return l.interruptableWait(l.config.CleanupWindow)
		}
		l.lock.Lock()
		l.details[bucket] = details
		l.lock.Unlock()
	}

	allATRs := allATRIDs(l.config.Internal.NumATRs)
	numClients := details.NumActiveClients
	if numClients < 1 {
		numClients = 1
	}
	shardSize := len(allATRs) / numClients
	if shardSize < 1 {
		shardSize = 1
	}
	delay := l.config.CleanupWindow / time.Duration(shardSize)

	for i := details.IndexOfThisClient; i < len(allATRs); i += numClients {
		select {
		case <-l.stopCh:
			l.logger.Debug("cleanup interrupted", zap.String("bucket", bucket))
			return false
		default:
		}
		atrID := allATRs[i]
		if _, _, err := l.ProcessATR(bucket, "_default", "_default", atrID); err != nil {
			l.logger.Error("cleanup of atr failed, moving on",
				zap.String("atr", atrID), zap.Error(err))
		}
		if !l.interruptableWait(delay) {
			return false
		}
	}
	l.logger.Debug("cleanup complete", zap.String("bucket", bucket))
	return true
}

func (l *lostTransactionCleaner) interruptableWait(d time.Duration) bool {
	select {
	case <-l.stopCh:
		return false
	case <-l.clock.After(d):
		return true
	}
}

// ProcessATR reads every entry of one ATR and enqueues the expired ones
// for cleanup.
func (l *lostTransactionCleaner) ProcessATR(bucket, scope, collection, atrID string) ([]CleanupAttempt, ProcessATRStats, error) {
	coll, err := l.store.Collection(bucket, scope, collection)
	if err != nil {
		return nil, ProcessATRStats{}, err
	}
	entries, err := readATREntries(coll, atrID, timeoutOpts{kvTimeout: l.config.KeyValueTimeout})
	if err != nil {
		if err == ErrAtrNotFound {
			return nil, ProcessATRStats{}, nil
		}
		return nil, ProcessATRStats{}, err
	}
	if l.metrics != nil {
		l.metrics.atrsScanned.Inc()
	}

	stats := ProcessATRStats{NumEntries: len(entries)}
	var attempts []CleanupAttempt
	for _, entry := range entries {
		if !entry.hasExpired(safetyMarginMS) {
			continue
		}
		stats.NumEntriesExpired++
		req := &CleanupRequest{
			AttemptID:         entry.attemptID,
			AtrID:             atrID,
			AtrBucketName:     bucket,
			AtrScopeName:      scope,
			AtrCollectionName: collection,
			Inserts:           entry.insertedIDs,
			Replaces:          entry.replacedIDs,
			Removes:           entry.removedIDs,
			State:             entry.state,
			ForwardCompat:     entry.forwardCompat,
			ReadyTime:         l.clock.Now(),
			FromATREntry:      true,
		}
		if l.cleaner.AddRequest(req) {
			l.logger.Debug("queued lost attempt",
				zap.String("atr", atrID), zap.String("attempt", entry.attemptID),
				zap.Stringer("state", entry.state))
		}
		attempts = append(attempts, CleanupAttempt{
			IsRegular:         false,
			AttemptID:         entry.attemptID,
			AtrID:             atrID,
			AtrBucketName:     bucket,
			AtrScopeName:      scope,
			AtrCollectionName: collection,
			Request:           req,
		})
	}
	return attempts, stats, nil
}

// ProcessClient writes this client's heartbeat into the bucket's client
// record, prunes expired peers, and derives the client's shard assignment
// from its position in the sorted membership.
func (l *lostTransactionCleaner) ProcessClient(bucket, scope, collection, clientUUID string) (*ClientRecordDetails, error) {
	coll, err := l.store.Collection(bucket, scope, collection)
	if err != nil {
		return nil, err
	}
	var details *ClientRecordDetails
	err = retryOp(func() error {
		var opErr error
		details, opErr = l.processClientRecord(coll, clientUUID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

func (l *lostTransactionCleaner) processClientRecord(coll Collection, clientUUID string) (*ClientRecordDetails, error) {
	if hookErr := l.hooks.BeforeGetRecord(); hookErr != nil {
		return nil, hookErr
	}
	res, err := coll.LookupIn(clientRecordDocID, []LookupInSpec{
		LookupGetSpec(fieldClients, true),
		LookupGetSpec(fieldOverride, true),
		LookupGetSpec(VirtualHLCPath, true),
	}, &LookupInOptions{Timeout: l.config.KeyValueTimeout})
	if err != nil {
		if classifyError(err) == ErrorClassFailDocNotFound {
			l.logger.Debug("client record not found, creating")
			if createErr := l.createClientRecord(coll); createErr != nil {
				return nil, createErr
			}
			return nil, errRetryOperation
		}
		return nil, err
	}

	var nowMS uint64
	if res.Exists(2) {
		nowMS, _ = parseHLCToMS(res.Fields[2].Value)
	}

	details := &ClientRecordDetails{
		ClientUUID: clientUUID,
		CasNowMS:   nowMS,
	}

	var clients map[string]jsonClientRecordEntry
	if res.Exists(0) {
		if err := res.ContentAt(0, &clients); err != nil {
			return nil, err
		}
	}
	if res.Exists(1) {
		var override jsonClientOverride
		if err := res.ContentAt(1, &override); err == nil {
			details.OverrideEnabled = override.Enabled
			details.OverrideExpires = override.Expires
			details.OverrideActive = override.Enabled && override.Expires > nowMS
		}
	}

	var activeIDs []string
	for uuid, entry := range clients {
		heartbeatMS := parseMutationCAS(entry.HeartbeatCAS)
		expiredPeriod := int64(nowMS) - int64(heartbeatMS)
		hasExpired := expiredPeriod >= int64(entry.ExpiresMS) && nowMS > heartbeatMS
		if hasExpired && uuid != clientUUID {
			details.ExpiredClientIDs = append(details.ExpiredClientIDs, uuid)
		} else {
			activeIDs = append(activeIDs, uuid)
		}
	}
	found := false
	for _, id := range activeIDs {
		if id == clientUUID {
			found = true
			break
		}
	}
	if !found {
		activeIDs = append(activeIDs, clientUUID)
	}
	sort.Strings(activeIDs)
	for i, id := range activeIDs {
		if id == clientUUID {
			details.IndexOfThisClient = i
			break
		}
	}
	details.NumActiveClients = len(activeIDs)
	details.NumExpiredClients = len(details.ExpiredClientIDs)
	details.NumExistingClients = details.NumActiveClients + details.NumExpiredClients

	if details.OverrideActive {
		l.logger.Debug("client record override active, not updating record")
		return details, nil
	}

	specs := []MutateInSpec{
		{Op: MutateInOpUpsertPath, Path: fieldClients + "." + clientUUID + "." + fieldHeartbeat,
			Value: jsonMarshalMust(MutationCASMacro), Xattr: true, CreatePath: true, ExpandMacros: true},
		{Op: MutateInOpUpsertPath, Path: fieldClients + "." + clientUUID + "." + fieldExpires,
			Value: jsonMarshalMust(durationToMS(l.config.CleanupWindow) + safetyMarginMS), Xattr: true, CreatePath: true},
	}
	numPrunes := len(details.ExpiredClientIDs)
	if numPrunes > clientRecordPruneCap {
		numPrunes = clientRecordPruneCap
	}
	for i := 0; i < numPrunes; i++ {
		specs = append(specs, MutateInSpec{
			Op: MutateInOpRemovePath, Path: fieldClients + "." + details.ExpiredClientIDs[i], Xattr: true,
		})
	}
	if hookErr := l.hooks.BeforeUpdateRecord(); hookErr != nil {
		return nil, hookErr
	}
	if _, err := coll.MutateIn(clientRecordDocID, specs, &MutateInOptions{
		Durability: l.config.DurabilityLevel,
		Timeout:    l.config.KeyValueTimeout,
	}); err != nil {
		return nil, err
	}
	return details, nil
}

func (l *lostTransactionCleaner) createClientRecord(coll Collection) error {
	if hookErr := l.hooks.BeforeCreateRecord(); hookErr != nil {
		return hookErr
	}
	opts := &MutateInOptions{
		StoreSemantics: StoreSemanticsInsert,
		Durability:     l.config.DurabilityLevel,
		Timeout:        l.config.KeyValueTimeout,
	}
	_, err := coll.MutateIn(clientRecordDocID, []MutateInSpec{
		{Op: MutateInOpInsertPath, Path: fieldClients,
			Value: json.RawMessage("{}"), Xattr: true, CreatePath: true},
	}, opts)
	if err != nil && classifyError(err) == ErrorClassFailDocAlreadyExists {
		l.logger.Debug("client record already exists, moving on")
		return nil
	}
	return err
}

// RemoveClient deregisters this client from every bucket's client record.
func (l *lostTransactionCleaner) RemoveClient(uuid string) error {
	buckets, err := l.store.BucketNames()
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		bucket := bucket
		err := retryOpExponentialBackoff(l.clock,
			10*time.Millisecond, 250*time.Millisecond, 500*time.Millisecond,
			ErrTimeout,
			func() error {
				coll, err := defaultCollection(l.store, bucket)
				if err != nil {
					return err
				}
				if hookErr := l.hooks.BeforeRemoveClient(); hookErr != nil {
					return errRetryOperation
				}
				_, err = coll.MutateIn(clientRecordDocID, []MutateInSpec{
					{Op: MutateInOpUpsertPath, Path: fieldClients + "." + uuid,
						Value: json.RawMessage("null"), Xattr: true},
					{Op: MutateInOpRemovePath, Path: fieldClients + "." + uuid, Xattr: true},
				}, &MutateInOptions{Timeout: l.config.KeyValueTimeout})
				if err != nil {
					switch classifyError(err) {
					case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound:
						return nil
					default:
						return errRetryOperation
					}
				}
				l.logger.Debug("removed client from bucket",
					zap.String("client", uuid), zap.String("bucket", bucket))
				return nil
			})
		if err != nil {
			l.logger.Error("error removing client record",
				zap.String("client", uuid), zap.String("bucket", bucket), zap.Error(err))
		}
	}
	return nil
}

// Close stops both loops, waits for them to drain within the shutdown
// budget, and deregisters the client.
func (l *lostTransactionCleaner) Close() {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return
	}
	l.closed = true
	close(l.stopCh)
	l.lock.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBudget):
		l.logger.Info("shutdown budget exceeded, abandoning lost cleanup")
		return
	}
	_ = l.RemoveClient(l.clientUUID)
	l.logger.Info("lost attempts loop closed", zap.String("client", l.clientUUID))
}
