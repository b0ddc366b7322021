package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIndex = []byte("capability_index")
	keyDocument = []byte("document")
	keySavedAt  = []byte("saved_at")

	ErrNoSavedDocument = errors.New("no saved capability document")
)

// Store persists the last good capability document so a restart can serve
// the previous snapshot before the source is reachable again.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure index bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a capability document. Only documents that already passed
// validation should be saved.
func (s *Store) Save(document []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIndex)
		if err := bucket.Put(keyDocument, document); err != nil {
			return err
		}
		return bucket.Put(keySavedAt, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// Load returns the last saved capability document.
func (s *Store) Load() ([]byte, error) {
	var document []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIndex).Get(keyDocument)
		if raw == nil {
			return ErrNoSavedDocument
		}
		document = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return document, nil
}
