package client

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// BoltResumeStore keeps fingerprint to location mappings in a bbolt file,
// usually under the user's config directory.
type BoltResumeStore struct {
	db *bolt.DB
}

// OpenResumeStore opens or creates the store at path.
func OpenResumeStore(path string) (*BoltResumeStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create resume store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init resume store: %w", err)
	}
	return &BoltResumeStore{db: db}, nil
}

func (s *BoltResumeStore) Load(fingerprint string) (string, bool, error) {
	var loc string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSessions).Get([]byte(fingerprint)); v != nil {
			loc = string(v)
		}
		return nil
	})
	return loc, loc != "", err
}

func (s *BoltResumeStore) Save(fingerprint, location string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(fingerprint), []byte(location))
	})
}

func (s *BoltResumeStore) Remove(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(fingerprint))
	})
}

// Close releases the database file.
func (s *BoltResumeStore) Close() error {
	return s.db.Close()
}
