// Package velox is an embeddable, single-process NoSQL key-value and
// document database engine: a WAL-fronted memtable feeding a levelled
// LSM tree of SSTables, a multi-tier cache, MVCC transactions with
// configurable isolation levels, secondary indexes, a declarative
// query executor, and a change-stream bus, all behind one DB handle.
package velox
