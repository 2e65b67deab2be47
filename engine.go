package velox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DB is the top-level embedded engine: WAL-fronted memtable, levelled
// SSTables managed by a Compactor, a multi-tier Cache, a LockManager and
// TxnManager for MVCC transactions, an IndexManager and QueryExecutor for
// the document/collection layer, and a ChangeBus for change-stream
// subscribers.
type DB struct {
	mu sync.RWMutex

	cfg Config
	dir string
	enc Encryptor

	wal       *WAL
	mem       *MemTable
	immutable []*MemTable
	compactor *Compactor

	cache   *Cache
	locks   *LockManager
	txns    *TxnManager
	indexes *IndexManager
	query   *QueryExecutor
	changes *ChangeBus
	objects *ObjectStore

	lockFile *os.File

	idxMu     sync.Mutex
	indexDefs []persistedIndex

	closed chan struct{}
	wg     sync.WaitGroup
}

// Open creates or reopens a database rooted at cfg.Path, replaying its WAL
// and loading its existing SSTable levels before background flush and
// compaction workers start.
func Open(cfg Config) (*DB, error) {
	cfg.applyDefaults()

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	lockFile, err := acquireProcessLock(cfg.Path)
	if err != nil {
		return nil, err
	}

	m, err := loadManifest(cfg.Path)
	if err != nil {
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	enc, err := NewEncryptor(cfg.EncryptionType, string(cfg.EncryptionKey), m.AESCounter)
	if err != nil {
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	walDir := filepath.Join(cfg.Path, "wal")
	wal, err := OpenWAL(walDir, enc, cfg.SyncWrites, m.MaxLSN)
	if err != nil {
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	compactor := NewCompactor(cfg.Path, enc)
	if err := compactor.Load(); err != nil {
		wal.Close()
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	records, _, err := wal.Replay()
	if err != nil {
		wal.Close()
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	mem := NewMemTable()
	versions := make(map[string]uint64, len(records))
	for _, rec := range records {
		applyRecordToMemTable(mem, rec, compactor, versions)
	}

	if m.ObjectKeyB64 == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			wal.Close()
			releaseProcessLock(lockFile, cfg.Path)
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		m.ObjectKeyB64 = base64.StdEncoding.EncodeToString(key)
	}
	objectKey, err := base64.StdEncoding.DecodeString(m.ObjectKeyB64)
	if err != nil {
		wal.Close()
		releaseProcessLock(lockFile, cfg.Path)
		return nil, fmt.Errorf("%w: manifest object key: %v", ErrCorrupted, err)
	}
	objects, err := NewObjectStore(filepath.Join(cfg.Path, "objects"), objectKey)
	if err != nil {
		wal.Close()
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	db := &DB{
		cfg:       cfg,
		dir:       cfg.Path,
		enc:       enc,
		wal:       wal,
		mem:       mem,
		compactor: compactor,
		cache: NewCache(
			cfg.L1CacheSize, cfg.L2CacheSize, cfg.L3CacheSize,
			cfg.L1CacheMemory, cfg.L2CacheMemory, cfg.L3CacheMemory,
		),
		locks:    NewLockManager(),
		changes:  NewChangeBus(),
		objects:  objects,
		lockFile: lockFile,
		closed:   make(chan struct{}),
	}
	db.indexes = NewIndexManager()
	db.txns = NewTxnManager(db, db.locks, cfg.DefaultIsolationLevel)
	db.query = NewQueryExecutor(db.indexes, db)

	for _, def := range m.Indexes {
		if err := db.indexes.CreateIndex(def.Collection, def.Field, db.indexScanner()); err != nil {
			wal.Close()
			releaseProcessLock(lockFile, cfg.Path)
			return nil, err
		}
	}
	db.indexDefs = append([]persistedIndex(nil), m.Indexes...)

	if err := db.saveManifest(); err != nil {
		wal.Close()
		releaseProcessLock(lockFile, cfg.Path)
		return nil, err
	}

	db.wg.Add(2)
	go db.flushLoop()
	go db.compactionLoop()

	return db, nil
}

// applyRecordToMemTable replays a WAL record into mem, assigning each key its
// next monotonically increasing version: versions tracks the running version
// per key seen so far during this replay, seeded from the already-loaded
// SSTable levels via compactor.Get on first sight of a key.
func applyRecordToMemTable(mem *MemTable, rec WALRecord, compactor *Compactor, versions map[string]uint64) {
	nextVersion := func(key []byte) uint64 {
		k := string(key)
		if v, ok := versions[k]; ok {
			v++
			versions[k] = v
			return v
		}
		v := uint64(1)
		if e, _ := compactor.Get(key); e != nil {
			v = e.Version + 1
		}
		versions[k] = v
		return v
	}
	if rec.Op == WALOpBatch {
		for _, e := range rec.Entries {
			mem.Put(newEntry(e.Key, e.Value, rec.LSN, nextVersion(e.Key), e.Op == WALOpDelete, 0))
		}
		return
	}
	mem.Put(newEntry(rec.Key, rec.Value, rec.LSN, nextVersion(rec.Key), rec.Op == WALOpDelete, 0))
}

func (db *DB) saveManifest() error {
	m := &manifest{Version: 1, MaxLSN: db.wal.NextLSN() - 1, Encryption: encryptionName(db.enc.Type())}
	if aes, ok := db.enc.(*AESEncryptor); ok {
		m.AESCounter = aes.NextCounter()
	}
	if db.objects != nil {
		m.ObjectKeyB64 = base64.StdEncoding.EncodeToString(db.objects.masterKey)
	}
	db.idxMu.Lock()
	m.Indexes = append([]persistedIndex(nil), db.indexDefs...)
	db.idxMu.Unlock()
	return m.save(db.dir)
}

func encryptionName(t EncryptionType) string {
	switch t {
	case EncryptionXOR:
		return "xor"
	case EncryptionAES256GCM:
		return "aes256"
	default:
		return "none"
	}
}

// --- raw key/value path -----------------------------------------------

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

func objectIDFor(key []byte) string {
	return hex.EncodeToString(key)
}

// Put writes key=value, appending to the WAL before the write is
// acknowledged; the record is fsynced first only when Config.SyncWrites is
// set. Values larger than objectStoreThreshold are redirected into
// the side object store and the primary path stores only a pointer, to keep
// large blobs out of memtable/SSTable compaction volume.
func (db *DB) Put(key, value []byte) error {
	if len(value) > objectStoreThreshold {
		objID := objectIDFor(key)
		if err := db.objects.Put(objID, value); err != nil {
			return err
		}
		return db.applyWrite(WALOpPut, key, objectRedirect(objID))
	}
	return db.applyWrite(WALOpPut, key, value)
}

// Delete removes key, marking it with a tombstone until compaction reclaims
// it once no live transaction can still observe the deletion.
func (db *DB) Delete(key []byte) error {
	if raw, err := db.getRaw(key); err == nil {
		if objID, ok := isObjectRedirect(raw); ok {
			db.objects.Delete(objID)
		}
	}
	return db.applyWrite(WALOpDelete, key, nil)
}

func (db *DB) applyWrite(op WALOp, key, value []byte) error {
	db.mu.Lock()
	lsn, err := db.wal.Append(WALRecord{Op: op, Key: key, Value: value})
	if err != nil {
		db.mu.Unlock()
		return err
	}
	db.mem.Put(newEntry(key, value, lsn, db.nextVersionLocked(key), op == WALOpDelete, 0))
	needsFlush := db.mem.Size() > db.cfg.memTableSizeBytes()
	db.mu.Unlock()

	db.publishAndCache(op, key, value)
	if needsFlush {
		db.triggerFlush()
	}
	return nil
}

func (db *DB) publishAndCache(op WALOp, key, value []byte) {
	if op == WALOpDelete {
		db.cache.Invalidate(string(key))
		db.changes.Publish(ChangeEvent{Op: ChangeDelete, Key: string(key)})
		return
	}
	db.cache.Invalidate(string(key))
	db.cache.Put(string(key), append([]byte(nil), value...), CacheL1)
	db.changes.Publish(ChangeEvent{Op: ChangePut, Key: string(key), Value: value})
}

// Get reads the current value of key, or ErrNotFound if it does not exist
// or has been deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	raw, err := db.getRaw(key)
	if err != nil {
		return nil, err
	}
	if objID, ok := isObjectRedirect(raw); ok {
		return db.objects.Get(objID)
	}
	return raw, nil
}

func (db *DB) getRaw(key []byte) ([]byte, error) {
	if v, ok := db.cache.Get(string(key)); ok {
		return v, nil
	}
	e := db.lookupEntry(key)
	if e == nil || e.Tombstone {
		return nil, ErrNotFound
	}
	out := append([]byte(nil), e.Value...)
	db.cache.Put(string(key), out, CacheL1)
	return out, nil
}

// lookupEntry checks the mutable memtable, then immutable memtables
// newest-first, then the levelled SSTable tree: memtable before L0 before
// deeper levels, each newest-first.
func (db *DB) lookupEntry(key []byte) *Entry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.lookupEntryLocked(key)
}

// lookupEntryLocked is lookupEntry without its own locking, for callers that
// already hold db.mu (read or write).
func (db *DB) lookupEntryLocked(key []byte) *Entry {
	if e := db.mem.Get(key); e != nil {
		return e
	}
	for i := len(db.immutable) - 1; i >= 0; i-- {
		if e := db.immutable[i].Get(key); e != nil {
			return e
		}
	}
	e, _ := db.compactor.Get(key)
	return e
}

// nextVersionLocked returns the version to assign the next write to key,
// assuming the caller already holds db.mu for writing.
func (db *DB) nextVersionLocked(key []byte) uint64 {
	if e := db.lookupEntryLocked(key); e != nil {
		return e.Version + 1
	}
	return 1
}

// PutBatch writes every key/value pair as a single atomic WAL transaction
// record.
func (db *DB) PutBatch(items map[string][]byte) (uint64, error) {
	entries := make([]WALSubEntry, 0, len(items))
	for k, v := range items {
		entries = append(entries, WALSubEntry{Op: WALOpPut, Key: []byte(k), Value: v})
	}
	return db.applyBatch(entries)
}

// DeleteBatch removes every key as a single atomic WAL transaction record.
func (db *DB) DeleteBatch(keys []string) (uint64, error) {
	entries := make([]WALSubEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, WALSubEntry{Op: WALOpDelete, Key: []byte(k)})
	}
	return db.applyBatch(entries)
}

func (db *DB) applyBatch(entries []WALSubEntry) (uint64, error) {
	db.mu.Lock()
	lsn, err := db.wal.Append(WALRecord{Op: WALOpBatch, Entries: entries})
	if err != nil {
		db.mu.Unlock()
		return 0, err
	}
	seen := make(map[string]uint64, len(entries))
	for _, e := range entries {
		k := string(e.Key)
		version, ok := seen[k]
		if ok {
			version++
		} else {
			version = db.nextVersionLocked(e.Key)
		}
		seen[k] = version
		db.mem.Put(newEntry(e.Key, e.Value, lsn, version, e.Op == WALOpDelete, 0))
	}
	needsFlush := db.mem.Size() > db.cfg.memTableSizeBytes()
	db.mu.Unlock()

	for _, e := range entries {
		db.publishAndCache(e.Op, e.Key, e.Value)
	}
	if needsFlush {
		db.triggerFlush()
	}
	return lsn, nil
}

// GetBatch reads every requested key, omitting ones that are absent.
func (db *DB) GetBatch(keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, err := db.Get([]byte(k)); err == nil {
			out[k] = v
		}
	}
	return out
}

// Scan returns every live key in [start, end) (end == nil means unbounded),
// merged across the mutable memtable, immutable memtables, and every
// SSTable level, newest version of each key winning, up to limit results
// (0 means unbounded).
func (db *DB) Scan(start, end []byte, limit int) ([]KV, error) {
	db.mu.RLock()
	merged := make(map[string]*Entry)
	within := func(key []byte) bool {
		return end == nil || bytes.Compare(key, end) < 0
	}
	db.mem.Range(start, func(e *Entry) bool {
		if !within(e.Key) {
			return false
		}
		merged[string(e.Key)] = e
		return true
	})
	for _, imt := range db.immutable {
		imt.Range(start, func(e *Entry) bool {
			if !within(e.Key) {
				return false
			}
			if cur, ok := merged[string(e.Key)]; !ok || e.LSN > cur.LSN {
				merged[string(e.Key)] = e
			}
			return true
		})
	}
	segs := db.compactor.AllSegments()
	db.mu.RUnlock()

	for _, s := range segs {
		all, err := s.All()
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			if start != nil && bytes.Compare(e.Key, start) < 0 {
				continue
			}
			if !within(e.Key) {
				continue
			}
			if cur, ok := merged[string(e.Key)]; !ok || e.LSN > cur.LSN {
				merged[string(e.Key)] = e
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k, e := range merged {
		if e.Tombstone {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		e := merged[k]
		value := e.Value
		if objID, ok := isObjectRedirect(value); ok {
			resolved, err := db.objects.Get(objID)
			if err != nil {
				return nil, err
			}
			value = resolved
		}
		out = append(out, KV{Key: []byte(k), Value: append([]byte(nil), value...)})
	}
	return out, nil
}

// TruncateWAL discards all WAL segments once their contents are fully
// reflected in flushed SSTables. It refuses to run while any memtable
// (mutable or immutable) still holds unflushed data, since blindly
// truncating would lose those writes on a subsequent crash.
func (db *DB) TruncateWAL() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.mem.Len() > 0 || len(db.immutable) > 0 {
		return fmt.Errorf("%w: unflushed writes remain", ErrBusy)
	}
	return db.wal.Truncate()
}

// --- background flush and compaction -----------------------------------

func (db *DB) triggerFlush() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.immutable) >= db.cfg.MaxImmutableMemTables {
		return // flush worker is behind; apply back-pressure by not freezing yet
	}
	db.mem.Freeze()
	db.immutable = append(db.immutable, db.mem)
	db.mem = NewMemTable()
}

func (db *DB) flushLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.closed:
			return
		case <-ticker.C:
			db.flushOnce()
		}
	}
}

func (db *DB) flushOnce() {
	db.mu.Lock()
	if len(db.immutable) == 0 {
		db.mu.Unlock()
		return
	}
	oldest := db.immutable[0]
	db.mu.Unlock()

	if _, err := db.compactor.FlushMemTable(oldest); err != nil {
		return
	}

	db.mu.Lock()
	db.immutable = db.immutable[1:]
	db.mu.Unlock()
}

func (db *DB) compactionLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.cfg.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.closed:
			return
		case <-ticker.C:
			db.compactor.MaybeCompact(db.txns.oldestLiveTxnStart())
		}
	}
}

// --- storageBackend, consumed by txn.go --------------------------------

func (db *DB) txnGet(key []byte) (*Entry, error) {
	return db.lookupEntry(key), nil
}

func (db *DB) txnApplyBatch(entries []WALSubEntry) (uint64, error) {
	return db.applyBatch(entries)
}

// --- transactions -------------------------------------------------------

// Begin starts a new top-level transaction.
func (db *DB) Begin(isolation IsolationLevel, readOnly bool) *Transaction {
	return db.txns.Begin(isolation, readOnly)
}

// BeginNested starts a child transaction sharing parent's lock domain.
func (db *DB) BeginNested(parent *Transaction) *Transaction {
	return db.txns.BeginNested(parent)
}

// Commit commits tx.
func (db *DB) Commit(tx *Transaction) error {
	return tx.Commit(db.txns)
}

// Abort discards tx.
func (db *DB) Abort(tx *Transaction) {
	tx.Abort(db.txns)
}

// RunInTransaction runs fn inside a transaction at isolation, retrying on
// write-write conflicts.
func (db *DB) RunInTransaction(isolation IsolationLevel, fn func(tx *Transaction) error) error {
	return db.txns.RunInTransaction(isolation, false, fn)
}

// --- document/collection layer, consumed by query.go --------------------

func docKey(collection, docID string) []byte {
	return []byte(collection + "\x00" + docID)
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func (db *DB) loadDocument(collection, docID string) (map[string]Value, bool, error) {
	raw, err := db.Get(docKey(collection, docID))
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var anyMap map[string]any
	if err := json.Unmarshal(raw, &anyMap); err != nil {
		return nil, false, fmt.Errorf("%w: document %s/%s: %v", ErrCorrupted, collection, docID, err)
	}
	fields := make(map[string]Value, len(anyMap))
	for k, v := range anyMap {
		fields[k] = FromAny(v)
	}
	return fields, true, nil
}

func (db *DB) scanCollectionIDs(collection string) ([]string, error) {
	prefix := []byte(collection + "\x00")
	kvs, err := db.Scan(prefix, prefixUpperBound(prefix), 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		ids = append(ids, string(kv.Key[len(prefix):]))
	}
	return ids, nil
}

// InsertDocument stores fields as a JSON document under (collection, docID)
// and maintains every secondary index registered on the collection.
func (db *DB) InsertDocument(collection, docID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := db.Put(docKey(collection, docID), raw); err != nil {
		return err
	}
	db.indexes.OnInsert(collection, docID, valueFields(fields))
	return nil
}

// UpdateDocument replaces the stored document and moves it between
// secondary-index posting lists for any field whose value changed.
func (db *DB) UpdateDocument(collection, docID string, fields map[string]any) error {
	old, existed, err := db.loadDocument(collection, docID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := db.Put(docKey(collection, docID), raw); err != nil {
		return err
	}
	newFields := valueFields(fields)
	if existed {
		db.indexes.OnUpdate(collection, docID, old, newFields)
	} else {
		db.indexes.OnInsert(collection, docID, newFields)
	}
	return nil
}

// DeleteDocument removes the document and its secondary-index postings.
func (db *DB) DeleteDocument(collection, docID string) error {
	old, existed, err := db.loadDocument(collection, docID)
	if err != nil {
		return err
	}
	if err := db.Delete(docKey(collection, docID)); err != nil {
		return err
	}
	if existed {
		db.indexes.OnDelete(collection, docID, old)
	}
	return nil
}

func valueFields(fields map[string]any) map[string]Value {
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = FromAny(v)
	}
	return out
}

// indexScanner builds the Scanner used both to back-fill a freshly created
// index and to rebuild every previously persisted index definition when the
// engine reopens.
func (db *DB) indexScanner() Scanner {
	return func(coll string) ([]IndexedDoc, error) {
		ids, err := db.scanCollectionIDs(coll)
		if err != nil {
			return nil, err
		}
		out := make([]IndexedDoc, 0, len(ids))
		for _, id := range ids {
			fields, ok, err := db.loadDocument(coll, id)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, IndexedDoc{DocID: id, Doc: fields})
			}
		}
		return out, nil
	}
}

// CreateIndex registers a secondary index on (collection, field), back-fills
// it by scanning every existing document in the collection, and persists the
// index definition in the manifest so it survives a restart.
func (db *DB) CreateIndex(collection, field string) error {
	if err := db.indexes.CreateIndex(collection, field, db.indexScanner()); err != nil {
		return err
	}
	db.idxMu.Lock()
	db.indexDefs = append(db.indexDefs, persistedIndex{Collection: collection, Field: field})
	db.idxMu.Unlock()
	return db.saveManifest()
}

// DropIndex removes a secondary index and its persisted definition.
func (db *DB) DropIndex(collection, field string) error {
	if err := db.indexes.DropIndex(collection, field); err != nil {
		return err
	}
	db.idxMu.Lock()
	for i, def := range db.indexDefs {
		if def.Collection == collection && def.Field == field {
			db.indexDefs = append(db.indexDefs[:i], db.indexDefs[i+1:]...)
			break
		}
	}
	db.idxMu.Unlock()
	return db.saveManifest()
}

// Query plans and runs q against the document/collection layer.
func (db *DB) Query(q Query) ([]Document, []AggregateBucket, error) {
	return db.query.Run(q)
}

// DocsLoaded reports how many documents the most recent Query call loaded,
// exposed so callers can observe index-driven query plans avoiding full
// collection scans.
func (db *DB) DocsLoaded() int {
	return db.query.DocsLoaded
}

// Subscribe registers a glob-pattern change-stream listener.
func (db *DB) Subscribe(pattern string) <-chan ChangeEvent {
	return db.changes.Subscribe(pattern)
}

// Unsubscribe closes a previously subscribed change-stream channel.
func (db *DB) Unsubscribe(ch <-chan ChangeEvent) {
	db.changes.Unsubscribe(ch)
}

// --- introspection --------------------------------------------------------

// Info summarizes the engine's current on-disk and in-memory shape.
type Info struct {
	Path               string
	MemTableEntries    int
	ImmutableMemTables int
	LevelSegmentCounts [MaxLevels]int
	NextLSN            uint64
}

func (db *DB) Info() Info {
	db.mu.RLock()
	defer db.mu.RUnlock()
	info := Info{
		Path:               db.dir,
		MemTableEntries:    db.mem.Len(),
		ImmutableMemTables: len(db.immutable),
		NextLSN:            db.wal.NextLSN(),
	}
	for lvl := 0; lvl < MaxLevels; lvl++ {
		info.LevelSegmentCounts[lvl] = len(db.compactor.levels[lvl].snapshot())
	}
	return info
}

// Stats reports the multi-tier cache's hit/miss counters.
func (db *DB) Stats() CacheStats {
	return db.cache.Stats()
}

// Close stops background workers, persists the manifest, and releases the
// process-exclusion lock.
func (db *DB) Close() error {
	close(db.closed)
	db.wg.Wait()

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.saveManifest(); err != nil {
		return err
	}
	db.changes.Close()
	if err := db.wal.Close(); err != nil {
		return err
	}
	releaseProcessLock(db.lockFile, db.dir)
	return nil
}
