package velox

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// objectStoreThreshold is the value size above which a put is redirected
// into the side-store instead of inlining the bytes into the LSM tree —
// keeps large blobs from inflating memtable flush/compaction volume.
// Oversized payloads live in a dedicated object storage layer rather than
// the primary key-value path.
const objectStoreThreshold = 64 * 1024

// ObjectStore persists large values as individually-keyed files, encrypted
// with XChaCha20-Poly1305 under a key derived per-object via HKDF-SHA256
// from the store's master key. This cipher path is independent of the
// primary WAL/SSTable encryption engine (AES-256-GCM/XOR), giving large
// blobs their own key schedule.
type ObjectStore struct {
	dir       string
	masterKey []byte
}

func NewObjectStore(dir string, masterKey []byte) (*ObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(masterKey) != chacha20poly1305.KeySize {
		derived := sha256.Sum256(masterKey)
		masterKey = derived[:]
	}
	return &ObjectStore{dir: dir, masterKey: masterKey}, nil
}

// deriveObjectKey derives a per-object subkey via HKDF-SHA256 over the
// store's master key, with the given random salt and objectID as the info
// input.
func (os_ *ObjectStore) deriveObjectKey(objectID string, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, os_.masterKey, salt, []byte(objectID))
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, err
	}
	return derived, nil
}

func (os_ *ObjectStore) path(objectID string) string {
	return filepath.Join(os_.dir, objectID+".obj")
}

// Put encrypts and writes value under objectID. It returns only an error;
// the caller records a redirect pointer (objectRedirect(objectID)) in place
// of an inline value.
func (os_ *ObjectStore) Put(objectID string, value []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	key, err := os_.deriveObjectKey(objectID, salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	sealed := aead.Seal(nil, nonce, value, []byte(objectID))

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	tmp := os_.path(objectID) + ".tmp"
	if err := writeFileSync(tmp, out); err != nil {
		return err
	}
	return os.Rename(tmp, os_.path(objectID))
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return f.Sync()
}

// Get reads and decrypts the object stored under objectID.
func (os_ *ObjectStore) Get(objectID string) ([]byte, error) {
	data, err := os.ReadFile(os_.path(objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(data) < 16+chacha20poly1305.NonceSizeX {
		return nil, ErrShortInput
	}
	salt := data[:16]
	nonce := data[16 : 16+chacha20poly1305.NonceSizeX]
	ciphertext := data[16+chacha20poly1305.NonceSizeX:]

	key, err := os_.deriveObjectKey(objectID, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(objectID))
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// Delete removes the stored object, if present.
func (os_ *ObjectStore) Delete(objectID string) error {
	err := os.Remove(os_.path(objectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// objectRedirectPrefix marks an inline value as a pointer into the object
// store rather than actual data, so Get can transparently dereference it.
const objectRedirectPrefix = "\x00velox-obj:"

func isObjectRedirect(value []byte) (string, bool) {
	if len(value) > len(objectRedirectPrefix) && string(value[:len(objectRedirectPrefix)]) == objectRedirectPrefix {
		return string(value[len(objectRedirectPrefix):]), true
	}
	return "", false
}

func objectRedirect(objectID string) []byte {
	return append([]byte(objectRedirectPrefix), objectID...)
}
