// Package recordstore is the local/remote DHT record store. Local
// records hold subkey data this node is the host for; remote records
// cache subkey data and watch state fetched on behalf of application
// callers. Values are typed, versioned, and quota-accounted, with watch
// lifecycles, an LRU over cached subkey data, and persistence through
// storage.DB.
package recordstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kyanha/overlaynode/internal/storage"
	"github.com/kyanha/overlaynode/internal/types"
)

var (
	ErrNotFound      = errors.New("recordstore: record not found")
	ErrSubkeyRange   = errors.New("recordstore: subkey index out of range")
	ErrQuotaExceeded = errors.New("recordstore: storage quota exceeded")
	ErrWatchLimit    = errors.New("recordstore: watch limit reached for this (record, watcher)")
	ErrStaleSeq      = errors.New("recordstore: incoming sequence number is not newer")
	ErrValueTooLarge = errors.New("recordstore: invalid_argument: value exceeds max_subkey_size or max_record_total_size")
)

// Size and watch limits. MinWatchExpiration is a floor keeping a caller
// from requesting a watch that expires before it can possibly be useful.
const (
	MaxSubkeySize     = 32 * 1024
	MaxRecordDataSize = 1 << 20

	PublicWatchLimit   = 32
	MemberWatchLimit   = 8
	MinWatchExpiration = 1 * time.Second
	MaxWatchExpiration = 10 * time.Minute
)

// SchemaKind picks the record's subkey-ownership policy.
type SchemaKind int

const (
	SchemaDFLT SchemaKind = iota // single owner, all subkeys
	SchemaSMPL                   // owner plus a fixed writer set
)

// Schema describes a record's subkey count and writer assignment.
type Schema struct {
	Kind        SchemaKind
	SubkeyCount int
	Writers     []types.TypedKey // SMPL only; index i may write subkey i%len(Writers)... ; DFLT ignores this
}

// RecordKey identifies a DHT record by its owner's public key.
type RecordKey = types.TypedKey

// SubkeyValue is one versioned value within a record.
type SubkeyValue struct {
	Seq       uint32
	Data      []byte
	Signature []byte
	WrittenAt time.Time
}

// record is the full server-side state for one DHT record.
type record struct {
	mu          sync.Mutex
	key         RecordKey
	schema      Schema
	subkeys     map[int]*SubkeyValue
	watches     map[watchKey]*watch
	local       bool // true if we are the host (local store), false if cached (remote store)
	createdAt   time.Time
	totalSize   int64 // sum of len(Data) across subkeys, checked against MaxRecordDataSize
}

// watchKey identifies one watch registration: a single watcher's interest
// in one subkey of a record, scoped to the node identity (target) it
// addressed the watch through (ourselves directly, or a private route we
// answer on behalf of). At most one watch exists per (target, watcher,
// subkey) of a record.
type watchKey struct {
	target  types.TypedKey
	watcher types.TypedKey
	subkey  int
}

type watch struct {
	expiresAt time.Time
	count     uint32 // remaining change notifications before auto-cancel, 0 = unlimited
}

// isMember reports whether watcher counts against member_watch_limit
// (the record's owner or, for SMPL schemas, one of its declared writers)
// rather than the looser public_watch_limit applied to anonymous callers.
func (r *record) isMember(watcher types.TypedKey) bool {
	if watcher == r.key {
		return true
	}
	for _, w := range r.schema.Writers {
		if w == watcher {
			return true
		}
	}
	return false
}

// SpaceAccount does two-phase storage-space accounting: reserve space,
// let the write proceed, then commit or roll back depending on whether it
// actually landed.
type SpaceAccount struct {
	mu        sync.Mutex
	usedBytes int64
	maxBytes  int64
}

func NewSpaceAccount(maxBytes int64) *SpaceAccount {
	return &SpaceAccount{maxBytes: maxBytes}
}

// Reserve checks capacity and provisionally adds n bytes to the used
// total, returning a commit/rollback pair. The caller must call exactly
// one of them.
func (a *SpaceAccount) Reserve(n int64) (commit func(), rollback func(), err error) {
	a.mu.Lock()
	if a.usedBytes+n > a.maxBytes {
		a.mu.Unlock()
		return nil, nil, ErrQuotaExceeded
	}
	a.usedBytes += n
	a.mu.Unlock()

	committed := false
	commit = func() { committed = true }
	rollback = func() {
		if committed {
			return
		}
		a.mu.Lock()
		a.usedBytes -= n
		a.mu.Unlock()
	}
	return commit, rollback, nil
}

func (a *SpaceAccount) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedBytes
}

// Free releases n previously-committed bytes back to the account, used by
// ReclaimSpace after evicting stale remote records.
func (a *SpaceAccount) Free(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usedBytes -= n
	if a.usedBytes < 0 {
		a.usedBytes = 0
	}
}

// ValueChange is one pending watch notification: subkey just changed to
// Value within Key, delivered to Target (the watcher's address for this
// watch) for Watcher. TakeValueChanges drains these, each already
// carrying the just-written value instead of requiring a second load,
// since this store keeps the full value inline rather than a separate
// "changed" bitset.
type ValueChange struct {
	Key     RecordKey
	Target  types.TypedKey
	Watcher types.TypedKey
	Subkey  int
	Value   *SubkeyValue
}

// Store holds every known record (local-hosted and remote-cached), an LRU
// over subkey data for cache eviction, and the watch tables.
type Store struct {
	mu      sync.RWMutex
	records map[RecordKey]*record

	subkeyCache *lru.Cache[cacheKey, *SubkeyValue]
	space       *SpaceAccount
	db          *storage.DB // nil disables persistence (e.g. in tests)

	pendingMu sync.Mutex
	pending   map[types.TypedKey][]ValueChange
}

type cacheKey struct {
	key    RecordKey
	subkey int
}

// NewStore builds a Store backed by db for persistence. db may be nil, in
// which case the store is purely in-memory (used by tests and by remote
// records that shouldn't survive a restart anyway).
func NewStore(db *storage.DB, space *SpaceAccount, subkeyCacheSize int) (*Store, error) {
	c, err := lru.New[cacheKey, *SubkeyValue](subkeyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		records:     make(map[RecordKey]*record),
		subkeyCache: c,
		space:       space,
		db:          db,
		pending:     make(map[types.TypedKey][]ValueChange),
	}, nil
}

// Load rehydrates every persisted record and its subkeys from db into
// memory, restoring SpaceAccount accounting to match, so a restart
// resumes from record_table/subkey_table rather than starting empty. A
// no-op if the store was built without a db.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.LoadRecords(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var reserved int64
	for _, row := range rows {
		key, ok := parseRecordKeyBytes(row.RecordKey)
		if !ok {
			continue
		}
		r := &record{
			key:       key,
			schema:    Schema{Kind: SchemaKind(row.SchemaKind), SubkeyCount: row.SubkeyCount},
			subkeys:   make(map[int]*SubkeyValue),
			watches:   make(map[watchKey]*watch),
			local:     row.IsLocal,
			createdAt: time.Unix(0, row.CreatedAt),
		}
		skRows, err := s.db.LoadSubkeys(ctx, row.RecordKey)
		if err != nil {
			return err
		}
		for _, sk := range skRows {
			v := &SubkeyValue{Seq: sk.Seq, Data: sk.Data, Signature: sk.Signature, WrittenAt: time.Unix(0, sk.WrittenAt)}
			r.subkeys[sk.Subkey] = v
			r.totalSize += int64(len(v.Data))
			reserved += int64(len(v.Data))
			if !r.local {
				s.subkeyCache.Add(cacheKey{key: key, subkey: sk.Subkey}, v)
			}
		}
		s.records[key] = r
	}
	if reserved > 0 {
		s.space.mu.Lock()
		s.space.usedBytes += reserved
		s.space.mu.Unlock()
	}
	return nil
}

func recordKeyBytes(key RecordKey) []byte {
	out := make([]byte, 0, len(key.Kind)+len(key.Value))
	out = append(out, key.Kind[:]...)
	out = append(out, key.Value[:]...)
	return out
}

func parseRecordKeyBytes(b []byte) (RecordKey, bool) {
	var key RecordKey
	if len(b) != len(key.Kind)+len(key.Value) {
		return key, false
	}
	copy(key.Kind[:], b[:len(key.Kind)])
	copy(key.Value[:], b[len(key.Kind):])
	return key, true
}

func (s *Store) persistRecord(r *record) {
	if s.db == nil {
		return
	}
	_ = s.db.UpsertRecord(context.Background(), storage.RecordRow{
		RecordKey:   recordKeyBytes(r.key),
		SchemaKind:  int(r.schema.Kind),
		SubkeyCount: r.schema.SubkeyCount,
		IsLocal:     r.local,
		CreatedAt:   r.createdAt.UnixNano(),
	})
}

func (s *Store) persistSubkey(key RecordKey, subkey int, v SubkeyValue) error {
	if s.db == nil {
		return nil
	}
	return s.db.PutSubkeysBatch(context.Background(), []storage.SubkeyRow{{
		RecordKey: recordKeyBytes(key),
		Subkey:    subkey,
		Seq:       v.Seq,
		Data:      v.Data,
		Signature: v.Signature,
		WrittenAt: v.WrittenAt.UnixNano(),
	}})
}

// CreateLocalRecord opens a new record hosted by this node.
func (s *Store) CreateLocalRecord(key RecordKey, schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return nil // idempotent create
	}
	r := &record{key: key, schema: schema, subkeys: make(map[int]*SubkeyValue), watches: make(map[watchKey]*watch), local: true, createdAt: time.Now()}
	s.records[key] = r
	s.persistRecord(r)
	return nil
}

// OpenRemoteRecord registers a cached placeholder for a record this node
// merely watches or relays, without claiming to host it.
func (s *Store) OpenRemoteRecord(key RecordKey, schema Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return
	}
	s.records[key] = &record{key: key, schema: schema, subkeys: make(map[int]*SubkeyValue), watches: make(map[watchKey]*watch), local: false, createdAt: time.Now()}
}

// DeleteRecord drops key entirely, locally and from persistence.
func (s *Store) DeleteRecord(key RecordKey) error {
	s.mu.Lock()
	_, ok := s.records[key]
	if ok {
		delete(s.records, key)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.db != nil {
		return s.db.DeleteRecord(context.Background(), recordKeyBytes(key))
	}
	return nil
}

func (s *Store) lookup(key RecordKey) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// GetSubkey returns the current value for (key, subkey) from the record's
// own subkey map, for local and remote records alike; the LRU subkey cache
// is not consulted.
func (s *Store) GetSubkey(key RecordKey, subkey int) (*SubkeyValue, error) {
	r, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if subkey < 0 || subkey >= r.schema.SubkeyCount {
		return nil, ErrSubkeyRange
	}
	v, ok := r.subkeys[subkey]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// PeekSubkey is GetSubkey without refreshing cache recency: a peek does
// not count as a fresh access.
func (s *Store) PeekSubkey(key RecordKey, subkey int) (*SubkeyValue, error) {
	return s.GetSubkey(key, subkey)
}

// SetSubkey writes a new value if seq is strictly newer than any existing
// value, using the two-phase SpaceAccount protocol: reserve space for the
// new bytes, write, commit; on any failure roll back the reservation.
// Equal-seq writes resolve by lexicographically comparing the serialized
// payload: the greater byte string wins instead of being rejected
// outright.
func (s *Store) SetSubkey(key RecordKey, subkey int, value SubkeyValue) error {
	if len(value.Data) > MaxSubkeySize {
		return ErrValueTooLarge
	}

	r, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if subkey < 0 || subkey >= r.schema.SubkeyCount {
		return ErrSubkeyRange
	}

	var oldSize int64
	if existing, ok := r.subkeys[subkey]; ok {
		oldSize = int64(len(existing.Data))
		switch {
		case value.Seq < existing.Seq:
			return ErrStaleSeq
		case value.Seq == existing.Seq && bytes.Compare(value.Data, existing.Data) <= 0:
			return ErrStaleSeq
		}
	}
	if r.totalSize-oldSize+int64(len(value.Data)) > MaxRecordDataSize {
		return ErrValueTooLarge
	}

	commit, rollback, err := s.space.Reserve(int64(len(value.Data)) - oldSize)
	if err != nil {
		return err
	}
	value.WrittenAt = time.Now()
	if err := s.persistSubkey(key, subkey, value); err != nil {
		rollback()
		return err
	}
	r.subkeys[subkey] = &value
	r.totalSize += int64(len(value.Data)) - oldSize
	commit()
	if !r.local {
		s.subkeyCache.Add(cacheKey{key: key, subkey: subkey}, &value)
	}
	s.notifyWatchers(r, subkey, &value)
	return nil
}

// InspectRecord reports the highest known sequence number per subkey
// without fetching the data itself, used to decide whether a refresh is
// worth the bandwidth.
func (s *Store) InspectRecord(key RecordKey) (map[int]uint32, error) {
	r, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]uint32, len(r.subkeys))
	for i, v := range r.subkeys {
		out[i] = v.Seq
	}
	return out, nil
}

// Watch registers watcher's interest in subkey's changes on behalf of
// target (the node identity the watch was addressed through: ourselves
// for a direct watch), expiring at expiresAt or after count notifications,
// whichever comes first (count=0 means unlimited until expiry). expiresAt
// is clamped to [now+MinWatchExpiration, now+MaxWatchExpiration] and the
// returned time is the clamped value actually stored. Anonymous watchers
// (anyone but the record's owner/writers) are held to the looser
// PublicWatchLimit; members to the tighter MemberWatchLimit.
func (s *Store) Watch(key RecordKey, target, watcher types.TypedKey, subkey int, expiresAt time.Time, count uint32) (time.Time, error) {
	r, ok := s.lookup(key)
	if !ok {
		return time.Time{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	maxTS := now.Add(MaxWatchExpiration)
	minTS := now.Add(MinWatchExpiration)
	if expiresAt.IsZero() || expiresAt.After(maxTS) {
		expiresAt = maxTS
	} else if expiresAt.Before(minTS) {
		expiresAt = minTS
	}

	wk := watchKey{target: target, watcher: watcher, subkey: subkey}
	if _, exists := r.watches[wk]; !exists {
		limit := PublicWatchLimit
		if r.isMember(watcher) {
			limit = MemberWatchLimit
		}
		count := 0
		for k := range r.watches {
			if k.watcher == watcher {
				count++
			}
		}
		if count >= limit {
			return time.Time{}, ErrWatchLimit
		}
	}
	r.watches[wk] = &watch{expiresAt: expiresAt, count: count}
	return expiresAt, nil
}

// CancelWatch removes a single (target, watcher, subkey) registration.
func (s *Store) CancelWatch(key RecordKey, target, watcher types.TypedKey, subkey int) {
	r, ok := s.lookup(key)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, watchKey{target: target, watcher: watcher, subkey: subkey})
}

// notifyWatchers accumulates a ValueChange per watch touched by a write
// into the store's pending-drain queues and applies count/expiry
// lifecycle bookkeeping, folded into one call since this store notifies
// synchronously from SetSubkey. Must be called with r.mu held.
func (s *Store) notifyWatchers(r *record, subkey int, value *SubkeyValue) {
	now := time.Now()
	var fired []watchKey
	for wk, w := range r.watches {
		if wk.subkey != subkey {
			continue
		}
		if !w.expiresAt.IsZero() && now.After(w.expiresAt) {
			delete(r.watches, wk)
			continue
		}
		fired = append(fired, wk)
		if w.count > 0 {
			w.count--
			if w.count == 0 {
				delete(r.watches, wk)
			}
		}
	}
	if len(fired) == 0 {
		return
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, wk := range fired {
		s.pending[wk.watcher] = append(s.pending[wk.watcher], ValueChange{
			Key: r.key, Target: wk.target, Watcher: wk.watcher, Subkey: subkey, Value: value,
		})
	}
}

// TakeValueChanges drains and clears every pending notification queued
// for watcher.
func (s *Store) TakeValueChanges(watcher types.TypedKey) []ValueChange {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := s.pending[watcher]
	delete(s.pending, watcher)
	return out
}

// PendingWatchers returns every watcher currently holding at least one
// undelivered ValueChange, for the caller's drain loop to iterate without
// needing its own registry of active watchers.
func (s *Store) PendingWatchers() []types.TypedKey {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]types.TypedKey, 0, len(s.pending))
	for w := range s.pending {
		out = append(out, w)
	}
	return out
}

// Watchers returns the set of watcher keys currently registered on subkey.
func (s *Store) Watchers(key RecordKey, subkey int) []types.TypedKey {
	r, ok := s.lookup(key)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.TypedKey
	for wk := range r.watches {
		if wk.subkey == subkey {
			out = append(out, wk.watcher)
		}
	}
	return out
}

// ReclaimSpace drops remote (non-local) records whose subkeys haven't been
// touched since cutoff, returning bytes freed. The node's maintenance loop
// does not call it; reclamation happens only when a caller invokes it.
func (s *Store) ReclaimSpace(cutoff time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed int64
	for key, r := range s.records {
		if r.local {
			continue
		}
		r.mu.Lock()
		stale := true
		for _, v := range r.subkeys {
			if v.WrittenAt.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			for _, v := range r.subkeys {
				freed += int64(len(v.Data))
			}
		}
		r.mu.Unlock()
		if stale {
			delete(s.records, key)
			if s.db != nil {
				_ = s.db.DeleteRecord(context.Background(), recordKeyBytes(key))
			}
		}
	}
	if freed > 0 {
		s.space.Free(freed)
	}
	return freed
}
