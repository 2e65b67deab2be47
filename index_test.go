package velox

import "testing"

func TestIndexManagerCreateBackfillsExisting(t *testing.T) {
	im := NewIndexManager()
	existing := []IndexedDoc{
		{DocID: "d1", Doc: map[string]Value{"age": IntValue(30)}},
		{DocID: "d2", Doc: map[string]Value{"age": IntValue(40)}},
	}
	scan := func(collection string) ([]IndexedDoc, error) { return existing, nil }

	if err := im.CreateIndex("users", "age", scan); err != nil {
		t.Fatalf("create index: %v", err)
	}

	ids, err := im.FindEquals("users", "age", IntValue(30))
	if err != nil {
		t.Fatalf("find equals: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected [d1], got %v", ids)
	}
}

func TestIndexManagerCreateDuplicateFails(t *testing.T) {
	im := NewIndexManager()
	scan := func(collection string) ([]IndexedDoc, error) { return nil, nil }
	if err := im.CreateIndex("users", "age", scan); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if err := im.CreateIndex("users", "age", scan); err == nil {
		t.Fatalf("expected error creating duplicate index")
	}
}

func TestIndexManagerOnInsertUpdateDelete(t *testing.T) {
	im := NewIndexManager()
	scan := func(collection string) ([]IndexedDoc, error) { return nil, nil }
	if err := im.CreateIndex("users", "age", scan); err != nil {
		t.Fatalf("create index: %v", err)
	}

	im.OnInsert("users", "d1", map[string]Value{"age": IntValue(25)})
	ids, _ := im.FindEquals("users", "age", IntValue(25))
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected [d1] after insert, got %v", ids)
	}

	im.OnUpdate("users", "d1",
		map[string]Value{"age": IntValue(25)},
		map[string]Value{"age": IntValue(26)})
	if ids, _ := im.FindEquals("users", "age", IntValue(25)); len(ids) != 0 {
		t.Fatalf("expected old value posting gone, got %v", ids)
	}
	if ids, _ := im.FindEquals("users", "age", IntValue(26)); len(ids) != 1 {
		t.Fatalf("expected new value posting present, got %v", ids)
	}

	im.OnDelete("users", "d1", map[string]Value{"age": IntValue(26)})
	if ids, _ := im.FindEquals("users", "age", IntValue(26)); len(ids) != 0 {
		t.Fatalf("expected posting gone after delete, got %v", ids)
	}
}

func TestIndexManagerFindRangeExclusiveStartInclusiveEnd(t *testing.T) {
	im := NewIndexManager()
	docs := []IndexedDoc{
		{DocID: "a", Doc: map[string]Value{"n": IntValue(1)}},
		{DocID: "b", Doc: map[string]Value{"n": IntValue(2)}},
		{DocID: "c", Doc: map[string]Value{"n": IntValue(3)}},
	}
	scan := func(collection string) ([]IndexedDoc, error) { return docs, nil }
	if err := im.CreateIndex("nums", "n", scan); err != nil {
		t.Fatalf("create index: %v", err)
	}

	lo, hi := IntValue(1), IntValue(3)
	ids, err := im.FindRange("nums", "n", &lo, &hi, false, true)
	if err != nil {
		t.Fatalf("find range: %v", err)
	}
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
	}
	if set["a"] || !set["b"] || !set["c"] {
		t.Fatalf("expected (1,3] => {b,c}, got %v", ids)
	}
}

func TestIndexManagerDropIndex(t *testing.T) {
	im := NewIndexManager()
	scan := func(collection string) ([]IndexedDoc, error) { return nil, nil }
	if err := im.CreateIndex("users", "age", scan); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if err := im.DropIndex("users", "age"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := im.FindEquals("users", "age", IntValue(1)); err != ErrIndexMissing {
		t.Fatalf("expected ErrIndexMissing after drop, got %v", err)
	}
}
