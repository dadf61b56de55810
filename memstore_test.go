package transactions

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory DocumentStore with CAS, tombstones, xattrs and
// sub-document operations, faithful enough to exercise the full staging
// protocol. CAS values are epoch nanoseconds from the store's clock, so
// they double as the server-side timestamps the engine derives from
// ${Mutation.CAS} macros and $vbucket.HLC reads.
type memStore struct {
	lock    sync.Mutex
	docs    map[string]*memDoc
	lastCas uint64

	// now supplies the store's (server-side) clock.
	now func() time.Time
}

type memDoc struct {
	body    json.RawMessage
	xattrs  map[string]interface{}
	cas     Cas
	deleted bool
}

func newMemStore() *memStore {
	return &memStore{
		docs: make(map[string]*memDoc),
		now:  time.Now,
	}
}

func (s *memStore) Collection(bucket, scope, collection string) (Collection, error) {
	return &memCollection{store: s, bucket: bucket, scope: scope, name: collection}, nil
}

func (s *memStore) BucketNames() ([]string, error) {
	return []string{"default"}, nil
}

func (s *memStore) nextCas() Cas {
	cas := uint64(s.now().UnixNano())
	if cas <= s.lastCas {
		cas = s.lastCas + 1
	}
	s.lastCas = cas
	return Cas(cas)
}

func (s *memStore) key(bucket, scope, name, id string) string {
	return bucket + "/" + scope + "/" + name + "/" + id
}

type memCollection struct {
	store  *memStore
	bucket string
	scope  string
	name   string
}

func (c *memCollection) BucketName() string { return c.bucket }
func (c *memCollection) ScopeName() string  { return c.scope }
func (c *memCollection) Name() string       { return c.name }

func (c *memCollection) doc(id string) (*memDoc, string) {
	key := c.store.key(c.bucket, c.scope, c.name, id)
	return c.store.docs[key], key
}

func (c *memCollection) Get(id string, opts *GetOptions) (*GetResultRaw, error) {
	c.store.lock.Lock()
	defer c.store.lock.Unlock()
	doc, _ := c.doc(id)
	if doc == nil || doc.deleted {
		return nil, ErrDocumentNotFound
	}
	return &GetResultRaw{
		Value:     append(json.RawMessage(nil), doc.body...),
		Cas:       doc.cas,
		IsDeleted: false,
	}, nil
}

func (c *memCollection) Insert(id string, value json.RawMessage, opts *WriteOptions) (Cas, error) {
	c.store.lock.Lock()
	defer c.store.lock.Unlock()
	doc, key := c.doc(id)
	if doc != nil && !doc.deleted {
		return 0, ErrDocumentExists
	}
	// Inserting over a tombstone resurrects the document with fresh
	// xattrs, the way the server does.
	newDoc := &memDoc{
		body:   append(json.RawMessage(nil), value...),
		xattrs: make(map[string]interface{}),
		cas:    c.store.nextCas(),
	}
	c.store.docs[key] = newDoc
	return newDoc.cas, nil
}

func (c *memCollection) Replace(id string, value json.RawMessage, cas Cas, opts *WriteOptions) (Cas, error) {
	c.store.lock.Lock()
	defer c.store.lock.Unlock()
	doc, _ := c.doc(id)
	if doc == nil || doc.deleted {
		return 0, ErrDocumentNotFound
	}
	if cas != 0 && cas != doc.cas {
		return 0, ErrCasMismatch
	}
	doc.body = append(json.RawMessage(nil), value...)
	doc.cas = c.store.nextCas()
	return doc.cas, nil
}

func (c *memCollection) Remove(id string, cas Cas, opts *WriteOptions) (Cas, error) {
	c.store.lock.Lock()
	defer c.store.lock.Unlock()
	doc, _ := c.doc(id)
	if doc == nil || doc.deleted {
		return 0, ErrDocumentNotFound
	}
	if cas != 0 && cas != doc.cas {
		return 0, ErrCasMismatch
	}
	doc.body = nil
	doc.deleted = true
	doc.cas = c.store.nextCas()
	return doc.cas, nil
}

func (c *memCollection) LookupIn(id string, specs []LookupInSpec, opts *LookupInOptions) (*LookupInResult, error) {
	if opts == nil {
		opts = &LookupInOptions{}
	}
	c.store.lock.Lock()
	defer c.store.lock.Unlock()
	doc, _ := c.doc(id)
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	if doc.deleted && !opts.AccessDeleted {
		return nil, ErrDocumentNotFound
	}

	res := &LookupInResult{Cas: doc.cas, IsDeleted: doc.deleted}
	for _, spec := range specs {
		res.Fields = append(res.Fields, c.lookupField(doc, spec))
	}
	return res, nil
}

func (c *memCollection) lookupField(doc *memDoc, spec LookupInSpec) LookupInField {
	if spec.Op == LookupInOpGetDoc {
		if doc.deleted || len(doc.body) == 0 {
			return LookupInField{Err: ErrPathNotFound}
		}
		return LookupInField{Value: append(json.RawMessage(nil), doc.body...)}
	}
	switch spec.Path {
	case VirtualDocumentPath:
		meta := map[string]interface{}{
			"CAS":          fmt.Sprintf("0x%016x", uint64(doc.cas)),
			"revid":        fmt.Sprintf("%d", uint64(doc.cas)%1000),
			"exptime":      0,
			"value_crc32c": bodyCRC(doc.body),
		}
		return LookupInField{Value: mustJSON(meta)}
	case VirtualHLCPath:
		hlc := map[string]string{
			"now": strconv.FormatInt(c.store.now().Unix(), 10),
		}
		return LookupInField{Value: mustJSON(hlc)}
	}
	if !spec.Xattr {
		var body interface{}
		if err := json.Unmarshal(doc.body, &body); err != nil {
			return LookupInField{Err: ErrPathNotFound}
		}
		val, ok := pathGet(body, spec.Path)
		if !ok {
			return LookupInField{Err: ErrPathNotFound}
		}
		return LookupInField{Value: mustJSON(val)}
	}
	val, ok := pathGet(doc.xattrs, spec.Path)
	if !ok {
		return LookupInField{Err: ErrPathNotFound}
	}
	return LookupInField{Value: mustJSON(val)}
}

func (c *memCollection) MutateIn(id string, specs []MutateInSpec, opts *MutateInOptions) (*MutateInResult, error) {
	if opts == nil {
		opts = &MutateInOptions{}
	}
	c.store.lock.Lock()
	defer c.store.lock.Unlock()
	doc, key := c.doc(id)

	created := false
	if doc == nil {
		switch {
		case opts.CreateAsDeleted:
			doc = &memDoc{xattrs: make(map[string]interface{}), deleted: true}
			created = true
		case opts.StoreSemantics == StoreSemanticsInsert || opts.StoreSemantics == StoreSemanticsUpsert:
			doc = &memDoc{body: json.RawMessage("{}"), xattrs: make(map[string]interface{})}
			created = true
		default:
			return nil, ErrDocumentNotFound
		}
	} else {
		if !doc.deleted && opts.StoreSemantics == StoreSemanticsInsert {
			return nil, ErrDocumentExists
		}
		if doc.deleted {
			if opts.CreateAsDeleted && opts.Cas == 0 && opts.StoreSemantics == StoreSemanticsInsert {
				// Tombstone occupies the key; staged-insert creation must
				// observe its CAS first.
				return nil, ErrDocumentExists
			}
			if !opts.AccessDeleted {
				return nil, ErrDocumentNotFound
			}
		}
		if opts.Cas != 0 && opts.Cas != doc.cas {
			return nil, ErrCasMismatch
		}
	}

	// Apply to copies so a failed spec leaves the document untouched.
	newXattrs := deepCopyMap(doc.xattrs)
	newBody := append(json.RawMessage(nil), doc.body...)
	newDeleted := doc.deleted
	newCas := c.store.nextCas()

	for _, spec := range specs {
		value := spec.Value
		if spec.ExpandMacros {
			var macro string
			if err := json.Unmarshal(spec.Value, &macro); err == nil {
				switch macro {
				case MutationCASMacro:
					value = mustJSON(encodeMutationCAS(newCas))
				case ValueCRC32CMacro:
					value = mustJSON(bodyCRC(newBody))
				}
			}
		}
		switch spec.Op {
		case MutateInOpInsertPath, MutateInOpUpsertPath, MutateInOpArrayAppend:
			var decoded interface{}
			if err := json.Unmarshal(value, &decoded); err != nil {
				return nil, err
			}
			var err error
			if spec.Xattr {
				err = pathApply(newXattrs, spec.Path, spec.Op, decoded, spec.CreatePath)
			} else {
				var body map[string]interface{}
				if len(newBody) > 0 {
					if err := json.Unmarshal(newBody, &body); err != nil {
						return nil, err
					}
				}
				if body == nil {
					body = make(map[string]interface{})
				}
				if err = pathApply(body, spec.Path, spec.Op, decoded, spec.CreatePath); err == nil {
					newBody = mustJSON(body)
				}
			}
			if err != nil {
				return nil, err
			}
		case MutateInOpRemovePath:
			var err error
			if spec.Xattr {
				err = pathRemove(newXattrs, spec.Path)
			} else {
				var body map[string]interface{}
				if err := json.Unmarshal(newBody, &body); err != nil {
					return nil, err
				}
				if err = pathRemove(body, spec.Path); err == nil {
					newBody = mustJSON(body)
				}
			}
			if err != nil {
				return nil, err
			}
		case MutateInOpReplaceFull:
			newBody = append(json.RawMessage(nil), value...)
			newDeleted = false
		case MutateInOpRemoveDoc:
			newBody = nil
			newDeleted = true
		}
	}

	doc.xattrs = newXattrs
	doc.body = newBody
	doc.deleted = newDeleted
	doc.cas = newCas
	if created {
		c.store.docs[key] = doc
	}
	return &MutateInResult{Cas: newCas}, nil
}

// bodyCRC mirrors the server's value_crc32c virtual attribute: the
// CRC-32C of the document body, hex encoded.
func bodyCRC(body json.RawMessage) string {
	return fmt.Sprintf("0x%08x", crc32.Checksum(body, crc32cTable))
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func pathGet(root interface{}, path string) (interface{}, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func pathApply(root map[string]interface{}, path string, op MutateInOp, value interface{}, createPath bool) error {
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			if !createPath {
				return ErrPathNotFound
			}
			child := make(map[string]interface{})
			cur[seg] = child
			cur = child
			continue
		}
		childMap, ok := next.(map[string]interface{})
		if !ok {
			return ErrPathNotFound
		}
		cur = childMap
	}
	last := segs[len(segs)-1]
	switch op {
	case MutateInOpInsertPath:
		if _, exists := cur[last]; exists {
			return ErrPathExists
		}
		cur[last] = value
	case MutateInOpUpsertPath:
		cur[last] = value
	case MutateInOpArrayAppend:
		existing, ok := cur[last]
		if !ok {
			if !createPath {
				return ErrPathNotFound
			}
			cur[last] = []interface{}{value}
			return nil
		}
		arr, ok := existing.([]interface{})
		if !ok {
			if existing == nil {
				cur[last] = []interface{}{value}
				return nil
			}
			return ErrPathNotFound
		}
		cur[last] = append(arr, value)
	}
	return nil
}

func pathRemove(root map[string]interface{}, path string) error {
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return ErrPathNotFound
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if _, ok := cur[last]; !ok {
		return ErrPathNotFound
	}
	delete(cur, last)
	return nil
}

// Test helpers over the raw store.

// setNow swaps the store's (server-side) clock source.
func (s *memStore) setNow(fn func() time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.now = fn
}

func (s *memStore) upsertDoc(id string, body string) Cas {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := s.key("default", "_default", "_default", id)
	doc := &memDoc{
		body:   json.RawMessage(body),
		xattrs: make(map[string]interface{}),
		cas:    s.nextCas(),
	}
	s.docs[key] = doc
	return doc.cas
}

func (s *memStore) docBody(id string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	doc := s.docs[s.key("default", "_default", "_default", id)]
	if doc == nil || doc.deleted {
		return "", false
	}
	return string(doc.body), true
}

func (s *memStore) docXattr(id string, path string) (interface{}, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	doc := s.docs[s.key("default", "_default", "_default", id)]
	if doc == nil {
		return nil, false
	}
	return pathGet(doc.xattrs, path)
}

func (s *memStore) hasDoc(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	doc := s.docs[s.key("default", "_default", "_default", id)]
	return doc != nil && !doc.deleted
}
