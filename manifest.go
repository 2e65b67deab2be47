package velox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// manifestFileName is the on-disk record of engine-wide state that must
// survive a restart outside of the WAL/SSTable data path itself: the AES-GCM
// IV counter (so a restarted engine never reuses an IV under the same key)
// and the highest LSN assigned as of the last save, from which the WAL
// resumes LSN numbering on open.
const manifestFileName = "MANIFEST"

type manifest struct {
	Version      int              `json:"version"`
	AESCounter   uint64           `json:"aes_counter"`
	MaxLSN       uint64           `json:"max_lsn"`
	Encryption   string           `json:"encryption"`
	ObjectKeyB64 string           `json:"object_key,omitempty"`
	Indexes      []persistedIndex `json:"indexes,omitempty"`
}

// persistedIndex records a secondary index's definition so CreateIndex can
// be replayed against live data when the engine reopens; the posting lists
// themselves are rebuilt from documents, not serialized.
type persistedIndex struct {
	Collection string `json:"collection"`
	Field      string `json:"field"`
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

func loadManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if os.IsNotExist(err) {
		return &manifest{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorrupted, err)
	}
	return &m, nil
}

// save atomically rewrites the manifest via a temp-file-then-rename, the
// same durability pattern used for SSTable writes.
func (m *manifest) save(dir string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := manifestPath(dir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return os.Rename(tmp, manifestPath(dir))
}

// lockFileName guards a data directory against being opened by two engine
// instances concurrently, since memtable/WAL state is not safe to share
// across processes.
const lockFileName = "LOCK"

// acquireProcessLock creates an exclusive lock file for the data directory.
// It fails if another live process already holds it.
func acquireProcessLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: data directory %s is already open by another process", ErrBusy, dir)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

func releaseProcessLock(f *os.File, dir string) {
	f.Close()
	os.Remove(filepath.Join(dir, lockFileName))
}
