package velox

import (
	"path/filepath"
	"testing"
)

func buildEntries(n int) []*Entry {
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = &Entry{
			Key:     []byte{byte(i >> 8), byte(i)},
			Value:   []byte("value"),
			LSN:     uint64(i + 1),
			Version: 1,
		}
	}
	return entries
}

func TestSSTableWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	entries := buildEntries(300)
	sst, err := NewSSTable(path, 0, entries, NopEncryptor{})
	if err != nil {
		t.Fatalf("new sstable: %v", err)
	}
	defer sst.Close()

	for _, want := range []int{0, 150, 299} {
		e, err := sst.Get(entries[want].Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if e == nil || string(e.Value) != "value" {
			t.Fatalf("unexpected entry for index %d: %+v", want, e)
		}
	}

	missing, err := sst.Get([]byte{0xff, 0xff})
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing key")
	}
}

func TestSSTableReopenPreservesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	entries := buildEntries(50)
	sst, err := NewSSTable(path, 1, entries, NopEncryptor{})
	if err != nil {
		t.Fatalf("new sstable: %v", err)
	}
	sst.Close()

	reopened, err := LoadSSTable(path, 1, NopEncryptor{})
	if err != nil {
		t.Fatalf("load sstable: %v", err)
	}
	defer reopened.Close()

	if reopened.EntryCount() != 50 {
		t.Fatalf("expected 50 entries, got %d", reopened.EntryCount())
	}
	e, err := reopened.Get(entries[25].Key)
	if err != nil || e == nil {
		t.Fatalf("expected to find entry after reopen: %v %v", e, err)
	}
}
