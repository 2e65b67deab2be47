package velox

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// secondaryIndex is one B+-tree-backed posting-list index over a single
// (collection, field) pair. Postings are keyed by the encoded indexed value
// so range queries walk the tree in sorted order.
type secondaryIndex struct {
	collection string
	field      string
	tree       *BTree
}

// IndexManager owns every secondary index in the engine, maintaining them
// via the on_insert/on_update/on_delete hooks that DB's InsertDocument,
// UpdateDocument and DeleteDocument call after each document write. Writes
// made through Put, PutBatch or a Transaction do not update any index.
type IndexManager struct {
	mu      sync.RWMutex
	indexes map[string]*secondaryIndex
}

func NewIndexManager() *IndexManager {
	return &IndexManager{indexes: make(map[string]*secondaryIndex)}
}

func indexKey(collection, field string) string {
	return collection + "_" + field
}

// Scanner yields every existing document in a collection so CreateIndex can
// back-fill the new index against documents that existed before it was
// created.
type Scanner func(collection string) ([]IndexedDoc, error)

// IndexedDoc is one document handed to index maintenance.
type IndexedDoc struct {
	DocID string
	Doc   map[string]Value
}

// CreateIndex allocates a new posting-list index and immediately back-fills
// it by scanning every existing document in the collection.
func (im *IndexManager) CreateIndex(collection, field string, scan Scanner) error {
	im.mu.Lock()
	key := indexKey(collection, field)
	if _, exists := im.indexes[key]; exists {
		im.mu.Unlock()
		return fmt.Errorf("%w: index %s already exists", ErrAlreadyExists, key)
	}
	idx := &secondaryIndex{collection: collection, field: field, tree: NewBTree()}
	im.indexes[key] = idx
	im.mu.Unlock()

	docs, err := scan(collection)
	if err != nil {
		return err
	}
	for _, d := range docs {
		v, ok := d.Doc[field]
		if !ok {
			continue
		}
		idx.append(v, d.DocID)
	}
	return nil
}

// DropIndex removes an index entirely.
func (im *IndexManager) DropIndex(collection, field string) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	key := indexKey(collection, field)
	if _, exists := im.indexes[key]; !exists {
		return ErrIndexMissing
	}
	delete(im.indexes, key)
	return nil
}

func (im *IndexManager) indexesFor(collection string) []*secondaryIndex {
	im.mu.RLock()
	defer im.mu.RUnlock()
	var out []*secondaryIndex
	for _, idx := range im.indexes {
		if idx.collection == collection {
			out = append(out, idx)
		}
	}
	return out
}

// OnInsert appends doc_id to the posting list of every index on collection,
// for the value found at the indexed field.
func (im *IndexManager) OnInsert(collection, docID string, doc map[string]Value) {
	for _, idx := range im.indexesFor(collection) {
		if v, ok := doc[idx.field]; ok {
			idx.append(v, docID)
		}
	}
}

// OnUpdate moves doc_id between posting lists when the indexed field
// changed value.
func (im *IndexManager) OnUpdate(collection, docID string, old, new map[string]Value) {
	for _, idx := range im.indexesFor(collection) {
		oldV, oldOK := old[idx.field]
		newV, newOK := new[idx.field]
		if oldOK && newOK && Compare(oldV, newV) == 0 {
			continue
		}
		if oldOK {
			idx.remove(oldV, docID)
		}
		if newOK {
			idx.append(newV, docID)
		}
	}
}

// OnDelete removes doc_id from every index's posting list.
func (im *IndexManager) OnDelete(collection, docID string, doc map[string]Value) {
	for _, idx := range im.indexesFor(collection) {
		if v, ok := doc[idx.field]; ok {
			idx.remove(v, docID)
		}
	}
}

func (idx *secondaryIndex) append(v Value, docID string) {
	key := EncodeIndexKey(v)
	existing, _ := idx.tree.Get(key)
	list, _ := decodePostingList(existing)
	for _, id := range list {
		if id == docID {
			return
		}
	}
	list = append(list, docID)
	idx.tree.Put(key, encodePostingList(list))
}

func (idx *secondaryIndex) remove(v Value, docID string) {
	key := EncodeIndexKey(v)
	existing, ok := idx.tree.Get(key)
	if !ok {
		return
	}
	list, _ := decodePostingList(existing)
	out := list[:0]
	for _, id := range list {
		if id != docID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		idx.tree.Delete(key)
		return
	}
	idx.tree.Put(key, encodePostingList(out))
}

// FindEquals returns every doc_id whose indexed value equals v.
func (im *IndexManager) FindEquals(collection, field string, v Value) ([]string, error) {
	im.mu.RLock()
	idx, ok := im.indexes[indexKey(collection, field)]
	im.mu.RUnlock()
	if !ok {
		return nil, ErrIndexMissing
	}
	data, found := idx.tree.Get(EncodeIndexKey(v))
	if !found {
		return nil, nil
	}
	return decodePostingList(data)
}

// FindRange walks the B+-tree between the encoded bounds, unions and
// deduplicates postings, and returns the combined doc-id set.
func (im *IndexManager) FindRange(collection, field string, start, end *Value, incStart, incEnd bool) ([]string, error) {
	im.mu.RLock()
	idx, ok := im.indexes[indexKey(collection, field)]
	im.mu.RUnlock()
	if !ok {
		return nil, ErrIndexMissing
	}

	var startKey []byte
	if start != nil {
		startKey = EncodeIndexKey(*start)
	}

	seen := make(map[string]bool)
	var out []string
	idx.tree.Range(startKey, func(key, value []byte) bool {
		if start != nil {
			c := CompareEncodedIndexKeys(key, startKey)
			if c < 0 || (c == 0 && !incStart) {
				return true
			}
		}
		if end != nil {
			endKey := EncodeIndexKey(*end)
			c := CompareEncodedIndexKeys(key, endKey)
			if c > 0 || (c == 0 && !incEnd) {
				return false
			}
		}
		list, _ := decodePostingList(value)
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		return true
	})
	return out, nil
}

// encodePostingList serializes a posting list as u32 count || for each:
// u32 len || utf8(doc_id).
func encodePostingList(docIDs []string) []byte {
	size := 4
	for _, id := range docIDs {
		size += 4 + len(id)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(docIDs)))
	off := 4
	for _, id := range docIDs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(id)))
		off += 4
		off += copy(buf[off:], id)
	}
	return buf
}

func decodePostingList(data []byte) ([]string, error) {
	if len(data) < 4 {
		if len(data) == 0 {
			return nil, nil
		}
		return nil, ErrCorrupted
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return nil, ErrCorrupted
		}
		l := binary.LittleEndian.Uint32(data[off:])
		off += 4
		if off+int(l) > len(data) {
			return nil, ErrCorrupted
		}
		out = append(out, string(data[off:off+int(l)]))
		off += int(l)
	}
	return out, nil
}
