package velox

import (
	"sync"
	"time"
)

// Entry is the unit of storage threaded through the WAL, the memtable, and
// SSTables. Tombstone marks a soft delete; physical reclamation happens
// during compaction.
type Entry struct {
	Key       []byte
	Value     []byte
	LSN       uint64
	Version   uint64
	CreatedAt int64 // unix nano, set once on first insert
	UpdatedAt int64 // unix nano, refreshed on every mutation
	Tombstone bool
}

// entryPool reduces allocation pressure on the hot put path, mirroring the
// teacher's sync.Pool-backed Entry recycling.
var entryPool = sync.Pool{
	New: func() any {
		return &Entry{
			Key:   make([]byte, 0, 64),
			Value: make([]byte, 0, 256),
		}
	},
}

func newEntry(key, value []byte, lsn, version uint64, tombstone bool, createdAt int64) *Entry {
	e := entryPool.Get().(*Entry)
	e.Key = append(e.Key[:0], key...)
	if tombstone {
		e.Value = e.Value[:0]
	} else {
		e.Value = append(e.Value[:0], value...)
	}
	e.LSN = lsn
	e.Version = version
	e.Tombstone = tombstone
	now := time.Now().UnixNano()
	if createdAt == 0 {
		createdAt = now
	}
	e.CreatedAt = createdAt
	e.UpdatedAt = now
	return e
}

func releaseEntry(e *Entry) {
	entryPool.Put(e)
}

func (e *Entry) clone() *Entry {
	return &Entry{
		Key:       append([]byte(nil), e.Key...),
		Value:     append([]byte(nil), e.Value...),
		LSN:       e.LSN,
		Version:   e.Version,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Tombstone: e.Tombstone,
	}
}
