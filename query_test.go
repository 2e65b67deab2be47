package velox

import "testing"

// fakeLoader is an in-memory collectionLoader for query executor tests.
type fakeLoader struct {
	docs map[string]map[string]map[string]Value // collection -> docID -> fields
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{docs: make(map[string]map[string]map[string]Value)}
}

func (f *fakeLoader) put(collection, docID string, fields map[string]Value) {
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]map[string]Value)
	}
	f.docs[collection][docID] = fields
}

func (f *fakeLoader) loadDocument(collection, docID string) (map[string]Value, bool, error) {
	coll, ok := f.docs[collection]
	if !ok {
		return nil, false, nil
	}
	fields, ok := coll[docID]
	return fields, ok, nil
}

func (f *fakeLoader) scanCollectionIDs(collection string) ([]string, error) {
	var ids []string
	for id := range f.docs[collection] {
		ids = append(ids, id)
	}
	return ids, nil
}

func seedUsers(loader *fakeLoader, im *IndexManager) {
	loader.put("users", "u1", map[string]Value{"name": StringValue("alice"), "age": IntValue(30), "dept": StringValue("eng")})
	loader.put("users", "u2", map[string]Value{"name": StringValue("bob"), "age": IntValue(40), "dept": StringValue("eng")})
	loader.put("users", "u3", map[string]Value{"name": StringValue("carol"), "age": IntValue(50), "dept": StringValue("sales")})
}

func TestQueryExecutorFullScanWithResidualFilter(t *testing.T) {
	loader := newFakeLoader()
	im := NewIndexManager()
	seedUsers(loader, im)

	qe := NewQueryExecutor(im, loader)
	docs, _, err := qe.Run(Query{
		Collection: "users",
		Conditions: []Condition{{Field: "name", Op: OpNeq, Value: StringValue("bob")}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs excluding bob, got %d", len(docs))
	}
	if qe.DocsLoaded != 3 {
		t.Fatalf("expected full scan to load 3 docs, got %d", qe.DocsLoaded)
	}
}

func TestQueryExecutorIndexedEqualitySkipsFullScan(t *testing.T) {
	loader := newFakeLoader()
	im := NewIndexManager()
	seedUsers(loader, im)

	scan := func(collection string) ([]IndexedDoc, error) {
		var out []IndexedDoc
		for id, fields := range loader.docs[collection] {
			out = append(out, IndexedDoc{DocID: id, Doc: fields})
		}
		return out, nil
	}
	if err := im.CreateIndex("users", "dept", scan); err != nil {
		t.Fatalf("create index: %v", err)
	}

	qe := NewQueryExecutor(im, loader)
	docs, _, err := qe.Run(Query{
		Collection: "users",
		Conditions: []Condition{{Field: "dept", Op: OpEq, Value: StringValue("eng")}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 eng docs, got %d", len(docs))
	}
	if qe.DocsLoaded != 2 {
		t.Fatalf("expected indexed plan to load exactly the 2 matching docs, got %d", qe.DocsLoaded)
	}
}

func TestQueryExecutorOrderByAndLimit(t *testing.T) {
	loader := newFakeLoader()
	im := NewIndexManager()
	seedUsers(loader, im)

	qe := NewQueryExecutor(im, loader)
	docs, _, err := qe.Run(Query{
		Collection: "users",
		OrderBy:    "age",
		OrderDesc:  true,
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs after limit, got %d", len(docs))
	}
	if docs[0].Fields["age"].I != 50 || docs[1].Fields["age"].I != 40 {
		t.Fatalf("expected descending age order, got %v then %v", docs[0].Fields["age"], docs[1].Fields["age"])
	}
}

func TestQueryExecutorGroupByAggregate(t *testing.T) {
	loader := newFakeLoader()
	im := NewIndexManager()
	seedUsers(loader, im)

	qe := NewQueryExecutor(im, loader)
	_, buckets, err := qe.Run(Query{
		Collection: "users",
		Agg:        &Aggregate{Kind: "count", GroupBy: "dept"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 dept buckets, got %d", len(buckets))
	}
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	if total != 3 {
		t.Fatalf("expected bucket counts to total 3, got %d", total)
	}
}
