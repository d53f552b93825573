package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileStoreSaltLength = 16
	argonTime           = 1
	argonMemory         = 64 * 1024
	argonThreads        = 4
)

var _ SecureStore = (*FileStore)(nil)

// ErrCorruptItem is returned when a stored value cannot be opened with the store key.
var ErrCorruptItem = errors.New("stored item cannot be decrypted")

// ErrPassphraseRequired is returned by NewFileStore when no passphrase is given; the salt
// lives in the same file, so an empty passphrase would leave the items readable.
var ErrPassphraseRequired = errors.New("file store passphrase is required")

type fileDocument struct {
	Salt  string            `json:"salt"`
	Items map[string]string `json:"items"`
}

// FileStore keeps items in a single JSON file. Every value is sealed with XChaCha20-Poly1305
// under a key derived from the passphrase with Argon2id; the item key is bound as
// additional data so sealed values cannot be moved between keys.
type FileStore struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
	doc  fileDocument
}

// NewFileStore opens (or prepares) the store at path.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("[NewFileStore] path is required")
	}
	if passphrase == "" {
		return nil, errors.Wrap(ErrPassphraseRequired, "[NewFileStore]")
	}

	doc, err := readFileDocument(path)
	if err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] read")
	}

	var salt []byte
	if doc.Salt == "" {
		salt = make([]byte, fileStoreSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "[NewFileStore] rand.Read")
		}
		doc.Salt = base64.StdEncoding.EncodeToString(salt)
	} else if salt, err = base64.StdEncoding.DecodeString(doc.Salt); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] decode salt")
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] chacha20poly1305.NewX")
	}

	return &FileStore{path: path, aead: aead, doc: doc}, nil
}

func (s *FileStore) GetItem(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, ok := s.doc.Items[key]
	if !ok {
		return "", false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", false, ErrCorruptItem
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", false, ErrCorruptItem
	}
	return string(plain), true, nil
}

func (s *FileStore) SetItem(_ context.Context, key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "[FileStore.SetItem] rand.Read")
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.withItems()
	next.Items[key] = base64.StdEncoding.EncodeToString(sealed)
	if err := s.flush(next); err != nil {
		return errors.Wrap(err, "[FileStore.SetItem]")
	}
	s.doc = next
	return nil
}

func (s *FileStore) RemoveItem(_ context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Items[key]; !ok {
		return nil
	}
	next := s.doc.withItems()
	delete(next.Items, key)
	if err := s.flush(next); err != nil {
		return errors.Wrap(err, "[FileStore.RemoveItem]")
	}
	s.doc = next
	return nil
}

// withItems returns a copy of the document whose item map can be changed freely.
func (d fileDocument) withItems() fileDocument {
	items := make(map[string]string, len(d.Items)+1)
	for k, v := range d.Items {
		items[k] = v
	}
	d.Items = items
	return d
}

// flush writes doc to a temp file next to the target and renames it into place. The
// in-memory document is only replaced once this succeeds.
func (s *FileStore) flush(doc fileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func readFileDocument(path string) (fileDocument, error) {
	var doc fileDocument
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}
