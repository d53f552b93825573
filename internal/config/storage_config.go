package config

import "github.com/pkg/errors"

// StorageBackend selects where the session is persisted.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageFile   StorageBackend = "file"
	StorageRedis  StorageBackend = "redis"
)

// ErrMissingPassphrase is returned when the file backend is selected without
// AUTH_STORAGE_PASSPHRASE.
var ErrMissingPassphrase = errors.New("AUTH_STORAGE_PASSPHRASE is required for the file storage backend")

func (b StorageBackend) Validate() error {
	switch b {
	case StorageMemory, StorageFile, StorageRedis:
		return nil
	}
	return errors.Errorf("unknown storage backend %q", string(b))
}

// ValidateStorage checks that the selected backend has what it needs to open.
func ValidateStorage(c StorageConfig) error {
	backend := c.GetStorageBackend()
	if err := backend.Validate(); err != nil {
		return err
	}
	if backend == StorageFile && c.GetStoragePassphrase() == "" {
		return ErrMissingPassphrase
	}
	return nil
}
