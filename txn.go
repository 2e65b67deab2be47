package velox

import (
	"bytes"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IsolationLevel selects the read/validation semantics a transaction runs
// under.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// TxnState is the transaction lifecycle state machine: a transaction is
// created by begin and terminated exactly once, by commit or abort.
type TxnState int

const (
	TxnActive TxnState = iota
	TxnPreparing
	TxnCommitted
	TxnAborted
)

type writeOp struct {
	op    WALOp
	value []byte
}

type readSnapshot struct {
	value     []byte
	tombstone bool
}

type savepoint struct {
	name     string
	writeSet map[string][]byte // key -> marshaled writeOp, for restore
	order    []string
}

// storageBackend is the write-path collaborator a Transaction commits
// through: one atomic batched WAL+memtable+cache+change-stream application,
// applying every write_set entry via the storage engine in a single
// batched WAL record. DB implements this in engine.go.
type storageBackend interface {
	txnGet(key []byte) (*Entry, error)
	txnApplyBatch(entries []WALSubEntry) (uint64, error)
}

// Transaction is the MVCC unit of work: a read set, write set, and
// operation log, isolated according to its IsolationLevel and guarded by
// the lock manager.
type Transaction struct {
	mu sync.Mutex

	id        string
	isolation IsolationLevel
	readOnly  bool
	state     TxnState

	backend storageBackend
	locks   *LockManager

	writeSet     map[string]writeOp
	writeOrder   []string
	readSet      map[string]readSnapshot
	savepoints   []savepoint
	operationLog []string

	parent   *Transaction
	children []*Transaction

	startedAt time.Time
	timeout   time.Duration
}

// TxnManager issues and tracks transactions against one storage backend.
type TxnManager struct {
	backend storageBackend
	locks   *LockManager

	mu     sync.Mutex
	active map[string]*Transaction

	defaultIsolation IsolationLevel
	maxRetries        int
	retryBase         time.Duration
}

func NewTxnManager(backend storageBackend, locks *LockManager, defaultIsolation IsolationLevel) *TxnManager {
	return &TxnManager{
		backend:          backend,
		locks:            locks,
		active:           make(map[string]*Transaction),
		defaultIsolation: defaultIsolation,
		maxRetries:       5,
		retryBase:        10 * time.Millisecond,
	}
}

// oldestLiveTxnStart reports the start time of the oldest still-active
// transaction, used by the compactor to bound tombstone reclamation:
// tombstones whose deletions are older than this are safe to discard.
func (m *TxnManager) oldestLiveTxnStart() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest int64
	for _, tx := range m.active {
		ns := tx.startedAt.UnixNano()
		if oldest == 0 || ns < oldest {
			oldest = ns
		}
	}
	if oldest == 0 {
		return time.Now().UnixNano()
	}
	return oldest
}

// Begin starts a new top-level transaction at the given isolation level.
func (m *TxnManager) Begin(isolation IsolationLevel, readOnly bool) *Transaction {
	tx := &Transaction{
		id:        uuid.NewString(),
		isolation: isolation,
		readOnly:  readOnly,
		state:     TxnActive,
		backend:   m.backend,
		locks:     m.locks,
		writeSet:  make(map[string]writeOp),
		readSet:   make(map[string]readSnapshot),
		startedAt: time.Now(),
	}
	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	return tx
}

// BeginNested starts a child transaction that shares parent's lock domain;
// a child commit merges its write_set into the parent's, a child rollback
// discards only its own changes.
func (m *TxnManager) BeginNested(parent *Transaction) *Transaction {
	child := &Transaction{
		id:        uuid.NewString(),
		isolation: parent.isolation,
		readOnly:  parent.readOnly,
		state:     TxnActive,
		backend:   m.backend,
		locks:     m.locks,
		writeSet:  make(map[string]writeOp),
		readSet:   make(map[string]readSnapshot),
		startedAt: time.Now(),
		parent:    parent,
	}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return child
}

func (m *TxnManager) forget(tx *Transaction) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
}

// ID reports the transaction's identifier, usable as the lock-manager
// tx_id and as the attribution on change-stream events.
func (tx *Transaction) ID() string { return tx.id }

func (tx *Transaction) lockDomainID() string {
	if tx.parent != nil {
		return tx.parent.lockDomainID()
	}
	return tx.id
}

// Get reads key, consulting write_set first for read-your-own-writes, then
// the storage backend, applying the isolation level's locking and
// read-set bookkeeping rules.
func (tx *Transaction) Get(key []byte) ([]byte, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	k := string(key)
	if w, ok := tx.writeSet[k]; ok {
		if w.op == WALOpDelete {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	if tx.parent != nil {
		if w, ok := tx.parent.writeSet[k]; ok {
			if w.op == WALOpDelete {
				return nil, false, nil
			}
			return w.value, true, nil
		}
	}

	switch tx.isolation {
	case ReadUncommitted:
		// bypass locks entirely
	case ReadCommitted:
		if !tx.locks.AcquireTimeout(k, tx.lockDomainID(), LockShared, DefaultLockTimeout) {
			return nil, false, ErrTimeout
		}
		defer tx.locks.Release(k, tx.lockDomainID())
	case RepeatableRead, Serializable:
		if !tx.locks.AcquireTimeout(k, tx.lockDomainID(), LockShared, DefaultLockTimeout) {
			return nil, false, ErrTimeout
		}
		// held until commit; released in ReleaseAll at termination
	}

	e, err := tx.backend.txnGet(key)
	if err != nil {
		return nil, false, err
	}
	if tx.isolation == RepeatableRead || tx.isolation == Serializable {
		if e == nil {
			tx.readSet[k] = readSnapshot{tombstone: true}
		} else {
			tx.readSet[k] = readSnapshot{value: e.Value, tombstone: e.Tombstone}
		}
	}
	if e == nil || e.Tombstone {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Put buffers a write into write_set and the operation log.
func (tx *Transaction) Put(key, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	k := string(key)
	if !tx.locks.AcquireTimeout(k, tx.lockDomainID(), LockExclusive, DefaultLockTimeout) {
		return ErrTimeout
	}
	if _, exists := tx.writeSet[k]; !exists {
		tx.writeOrder = append(tx.writeOrder, k)
	}
	tx.writeSet[k] = writeOp{op: WALOpPut, value: append([]byte(nil), value...)}
	tx.operationLog = append(tx.operationLog, "put:"+k)
	return nil
}

// Delete buffers a tombstone into write_set.
func (tx *Transaction) Delete(key []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	k := string(key)
	if !tx.locks.AcquireTimeout(k, tx.lockDomainID(), LockExclusive, DefaultLockTimeout) {
		return ErrTimeout
	}
	if _, exists := tx.writeSet[k]; !exists {
		tx.writeOrder = append(tx.writeOrder, k)
	}
	tx.writeSet[k] = writeOp{op: WALOpDelete}
	tx.operationLog = append(tx.operationLog, "delete:"+k)
	return nil
}

// Savepoint records the current write_set as a named snapshot so a later
// RollbackTo can restore it.
func (tx *Transaction) Savepoint(name string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	snap := savepoint{name: name, writeSet: make(map[string][]byte), order: append([]string(nil), tx.writeOrder...)}
	for k, v := range tx.writeSet {
		if v.op == WALOpPut {
			snap.writeSet[k] = append([]byte(nil), v.value...)
		} else {
			snap.writeSet[k] = nil
		}
	}
	tx.savepoints = append(tx.savepoints, snap)
}

// RollbackTo restores the write_set to the state at the named savepoint and
// drops every savepoint recorded after it.
func (tx *Transaction) RollbackTo(name string) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	idx := -1
	for i, sp := range tx.savepoints {
		if sp.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	sp := tx.savepoints[idx]
	tx.writeSet = make(map[string]writeOp, len(sp.writeSet))
	for k, v := range sp.writeSet {
		if v == nil {
			tx.writeSet[k] = writeOp{op: WALOpDelete}
		} else {
			tx.writeSet[k] = writeOp{op: WALOpPut, value: v}
		}
	}
	tx.writeOrder = append([]string(nil), sp.order...)
	tx.savepoints = tx.savepoints[:idx+1]
	return true
}

// Commit validates and applies the write_set: state moves from Preparing
// through validate and apply to Committed, then releases locks.
func (tx *Transaction) Commit(m *TxnManager) error {
	tx.mu.Lock()

	if tx.parent != nil {
		// Nested commit merges into the parent instead of touching storage.
		for _, k := range tx.writeOrder {
			if _, exists := tx.parent.writeSet[k]; !exists {
				tx.parent.writeOrder = append(tx.parent.writeOrder, k)
			}
			tx.parent.writeSet[k] = tx.writeSet[k]
		}
		tx.state = TxnCommitted
		tx.mu.Unlock()
		return nil
	}

	tx.state = TxnPreparing

	if err := tx.validateLocked(); err != nil {
		tx.state = TxnAborted
		tx.mu.Unlock()
		tx.locks.ReleaseAll(tx.lockDomainID())
		m.forget(tx)
		return err
	}

	entries := make([]WALSubEntry, 0, len(tx.writeOrder))
	for _, k := range tx.writeOrder {
		w := tx.writeSet[k]
		entries = append(entries, WALSubEntry{Op: w.op, Key: []byte(k), Value: w.value})
	}

	_, err := tx.backend.txnApplyBatch(entries)
	tx.mu.Unlock()

	tx.locks.ReleaseAll(tx.lockDomainID())
	m.forget(tx)

	if err != nil {
		tx.mu.Lock()
		tx.state = TxnAborted
		tx.mu.Unlock()
		return err
	}
	tx.mu.Lock()
	tx.state = TxnCommitted
	tx.mu.Unlock()
	return nil
}

// validateLocked implements Repeatable Read / Serializable commit-time
// validation. Must be called with tx.mu held.
func (tx *Transaction) validateLocked() error {
	if tx.isolation != RepeatableRead && tx.isolation != Serializable {
		return nil
	}
	for k, snap := range tx.readSet {
		e, err := tx.backend.txnGet([]byte(k))
		if err != nil {
			return err
		}
		var curValue []byte
		var curTomb bool
		if e != nil {
			curValue, curTomb = e.Value, e.Tombstone
		} else {
			curTomb = true
		}
		if curTomb != snap.tombstone || !bytes.Equal(curValue, snap.value) {
			return ErrTxnConflict
		}
	}
	// This covers the point reads in readSet only. There is no predicate
	// lock or range-scan validation here, so a transaction that reads by
	// range and another that inserts a new row into that range will not
	// conflict: this is Repeatable Read with write-locking, not full
	// phantom-free Serializable isolation.
	return nil
}

// Abort discards the transaction's write_set and releases all locks.
func (tx *Transaction) Abort(m *TxnManager) {
	tx.mu.Lock()
	tx.state = TxnAborted
	tx.mu.Unlock()
	if tx.parent == nil {
		tx.locks.ReleaseAll(tx.lockDomainID())
	}
	m.forget(tx)
}

func (tx *Transaction) State() TxnState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// RunInTransaction runs fn inside a fresh transaction, retrying on
// ErrTxnConflict with exponential back-off plus jitter up to max_retries:
// delay = base * 2^attempt + rand(0..100ms).
func (m *TxnManager) RunInTransaction(isolation IsolationLevel, readOnly bool, fn func(tx *Transaction) error) error {
	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		tx := m.Begin(isolation, readOnly)
		err := fn(tx)
		if err != nil {
			tx.Abort(m)
			return err
		}
		err = tx.Commit(m)
		if err == nil {
			return nil
		}
		lastErr = err
		if err != ErrTxnConflict {
			return err
		}
		delay := m.retryBase * (1 << uint(attempt))
		delay += time.Duration(rand.Intn(100)) * time.Millisecond
		time.Sleep(delay)
	}
	return lastErr
}
