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
	"time"
)

// Cas is an opaque compare-and-swap token identifying one revision of a
// document. The server derives it from its hybrid logical clock, so it is
// also usable as a coarse server-side timestamp.
type Cas uint64

// DurabilityLevel specifies the level of synchronous replication to use
// for a write.
type DurabilityLevel int

const (
	DurabilityLevelNone                       = DurabilityLevel(1)
	DurabilityLevelMajority                   = DurabilityLevel(2)
	DurabilityLevelMajorityAndPersistToActive = DurabilityLevel(3)
	DurabilityLevelPersistToMajority          = DurabilityLevel(4)
)

// StoreSemantics dictates how a MutateIn call treats the target document.
type StoreSemantics int

const (
	// StoreSemanticsReplace requires the document to exist already.
	StoreSemanticsReplace = StoreSemantics(0)

	// StoreSemanticsUpsert creates the document if needed.
	StoreSemanticsUpsert = StoreSemantics(1)

	// StoreSemanticsInsert requires that the document does not exist.
	StoreSemanticsInsert = StoreSemantics(2)
)

// LookupInOp is the sub-document operation type for a lookup path.
type LookupInOp int

const (
	// LookupInOpGet fetches the value at a path.
	LookupInOpGet = LookupInOp(0)

	// LookupInOpGetDoc fetches the full document body.
	LookupInOpGetDoc = LookupInOp(1)
)

// MutateInOp is the sub-document operation type for a mutation path.
type MutateInOp int

const (
	MutateInOpInsertPath = MutateInOp(0)
	MutateInOpUpsertPath = MutateInOp(1)
	MutateInOpRemovePath = MutateInOp(2)
	MutateInOpArrayAppend = MutateInOp(3)
	MutateInOpReplaceFull = MutateInOp(4)
	MutateInOpRemoveDoc   = MutateInOp(5)
)

// Virtual xattr paths understood by conforming stores.
const (
	// VirtualDocumentPath exposes document metadata: cas, revid, exptime
	// and value_crc32c, each in the server's string encodings.
	VirtualDocumentPath = "$document"

	// VirtualHLCPath exposes the vbucket hybrid logical clock as
	// {"now": "<unix-seconds>"}.
	VirtualHLCPath = "$vbucket.HLC"
)

// Macro values expanded server-side inside MutateIn values.
const (
	// MutationCASMacro expands to the mutation's CAS encoded as the
	// server's little-endian hex string.
	MutationCASMacro = "${Mutation.CAS}"

	// ValueCRC32CMacro expands to the CRC-32C of the written value.
	ValueCRC32CMacro = "${Mutation.value_crc32c}"
)

// LookupInSpec describes one path of a sub-document lookup.
type LookupInSpec struct {
	Op    LookupInOp
	Path  string
	Xattr bool
}

// LookupGetSpec returns a lookup spec fetching path from the body, or from
// the xattr region when xattr is true.
func LookupGetSpec(path string, xattr bool) LookupInSpec {
	return LookupInSpec{Op: LookupInOpGet, Path: path, Xattr: xattr}
}

// LookupFullDocSpec returns a lookup spec fetching the entire body.
func LookupFullDocSpec() LookupInSpec {
	return LookupInSpec{Op: LookupInOpGetDoc}
}

// MutateInSpec describes one path of a sub-document mutation.
type MutateInSpec struct {
	Op           MutateInOp
	Path         string
	Value        json.RawMessage
	Xattr        bool
	CreatePath   bool
	ExpandMacros bool
}

// LookupInField is one result slot of a LookupIn.
type LookupInField struct {
	Value json.RawMessage
	Err   error
}

// LookupInResult carries the per-path results of a LookupIn along with the
// document's CAS and tombstone status.
type LookupInResult struct {
	Cas       Cas
	IsDeleted bool
	Fields    []LookupInField
}

// ContentAt unmarshals the value at field index idx into valuePtr.
func (r *LookupInResult) ContentAt(idx int, valuePtr interface{}) error {
	if idx >= len(r.Fields) {
		return ErrPathNotFound
	}
	if r.Fields[idx].Err != nil {
		return r.Fields[idx].Err
	}
	return json.Unmarshal(r.Fields[idx].Value, valuePtr)
}

// Exists reports whether the path at field index idx was present.
func (r *LookupInResult) Exists(idx int) bool {
	return idx < len(r.Fields) && r.Fields[idx].Err == nil
}

// LookupInOptions tunes a LookupIn call.
type LookupInOptions struct {
	AccessDeleted bool
	Timeout       time.Duration
}

// MutateInOptions tunes a MutateIn call.
type MutateInOptions struct {
	Cas             Cas
	StoreSemantics  StoreSemantics
	AccessDeleted   bool
	CreateAsDeleted bool
	Durability      DurabilityLevel
	Timeout         time.Duration
}

// GetOptions tunes a Get call.
type GetOptions struct {
	Timeout time.Duration
}

// GetResultRaw is the raw result of a facade-level Get.
type GetResultRaw struct {
	Value     json.RawMessage
	Cas       Cas
	IsDeleted bool
}

// MutateInResult is the result of a successful MutateIn.
type MutateInResult struct {
	Cas Cas
}

// WriteOptions tunes full-document writes.
type WriteOptions struct {
	Durability DurabilityLevel
	Timeout    time.Duration
}

// Collection is the per-collection capability set this library consumes
// from the underlying document store. Implementations must surface
// failures as (or wrapping) the sentinel errors in errors.go so that
// classification works; any other error is treated as FailOther.
//
// All operations with a non-zero Cas must fail with ErrCasMismatch when the
// document has moved on. Sub-document mutations within one MutateIn call
// are atomic.
type Collection interface {
	BucketName() string
	ScopeName() string
	Name() string

	Get(id string, opts *GetOptions) (*GetResultRaw, error)
	Insert(id string, value json.RawMessage, opts *WriteOptions) (Cas, error)
	Replace(id string, value json.RawMessage, cas Cas, opts *WriteOptions) (Cas, error)
	Remove(id string, cas Cas, opts *WriteOptions) (Cas, error)

	LookupIn(id string, specs []LookupInSpec, opts *LookupInOptions) (*LookupInResult, error)
	MutateIn(id string, specs []MutateInSpec, opts *MutateInOptions) (*MutateInResult, error)
}

// DocumentStore resolves collections and enumerates buckets. It is the
// root capability handed to Init.
type DocumentStore interface {
	Collection(bucket, scope, collection string) (Collection, error)
	BucketNames() ([]string, error)
}

// QueryExecutor is an optional capability of a DocumentStore. Stores that
// implement it can run transactional query statements; AttemptContext.Query
// fails with a hard error against stores that do not.
type QueryExecutor interface {
	Query(statement string, opts *QueryOptions) (*QueryResult, error)
}

func defaultCollection(store DocumentStore, bucket string) (Collection, error) {
	return store.Collection(bucket, "_default", "_default")
}
