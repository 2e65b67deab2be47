package velox

import (
	"testing"
)

func TestWALAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, NopEncryptor{}, true, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 10; i++ {
		rec := WALRecord{Op: WALOpPut, Key: []byte{byte(i)}, Value: []byte("value")}
		if _, err := w.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := OpenWAL(dir, NopEncryptor{}, true, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	records, maxLSN, err := w2.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(records))
	}
	if maxLSN != 10 {
		t.Fatalf("expected max lsn 10, got %d", maxLSN)
	}
}

func TestWALBatchRecordReplays(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, NopEncryptor{}, true, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	batch := WALRecord{
		Op: WALOpBatch,
		Entries: []WALSubEntry{
			{Op: WALOpPut, Key: []byte("a"), Value: []byte("1")},
			{Op: WALOpPut, Key: []byte("b"), Value: []byte("2")},
			{Op: WALOpDelete, Key: []byte("a")},
		},
	}
	if _, err := w.Append(batch); err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	records, _, err := w.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 1 || records[0].Op != WALOpBatch || len(records[0].Entries) != 3 {
		t.Fatalf("unexpected replay result: %+v", records)
	}
}

func TestWALEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	enc, err := NewXOREncryptor([]byte("secret-key"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	w, err := OpenWAL(dir, enc, true, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Append(WALRecord{Op: WALOpPut, Key: []byte("k"), Value: []byte("v")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	w2, err := OpenWAL(dir, enc, true, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	records, _, err := w2.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 1 || string(records[0].Value) != "v" {
		t.Fatalf("unexpected decrypted record: %+v", records)
	}
}
