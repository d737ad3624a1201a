package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tigrisdata/tigrisup/pkg/upload/registry"
)

const (
	currentSchemaVersion = 1
	bucketMeta           = "meta"
	bucketUploads        = "uploads"

	keySchemaVersion = "schema_version"
)

var errUnknownSchema = errors.New("upload registry: unknown schema version")

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
	// NoSync skips fsync on commit. Only for tests.
	NoSync bool
}

// Registry implements registry.Registry backed by bbolt. bbolt admits a
// single writer at a time, so updates for different ids are serialized
// for the duration of one small transaction; storage I/O never happens
// inside a transaction.
type Registry struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed registry at path.
func Open(path string, opts Options) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	r := &Registry{db: db}
	if err := r.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) Insert(ctx context.Context, rec registry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := registry.PrepareInsert(rec, time.Now().UTC())
	if err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := uploadsBucket(tx)
		if err != nil {
			return err
		}
		key := []byte(prepared.ID)
		if bucket.Get(key) != nil {
			return registry.ErrExists
		}
		data, err := encodeRecord(prepared)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (r *Registry) Get(ctx context.Context, id string) (registry.Record, error) {
	if err := ctx.Err(); err != nil {
		return registry.Record{}, err
	}

	var result registry.Record
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket, err := uploadsBucket(tx)
		if err != nil {
			return err
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return registry.ErrNotFound
		}
		result, err = decodeRecord(raw)
		return err
	})
	return result, err
}

func (r *Registry) Update(ctx context.Context, id string, fn func(registry.Record) (registry.Record, error)) (registry.Record, error) {
	if err := ctx.Err(); err != nil {
		return registry.Record{}, err
	}

	var result registry.Record
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := uploadsBucket(tx)
		if err != nil {
			return err
		}
		key := []byte(id)
		raw := bucket.Get(key)
		if raw == nil {
			return registry.ErrNotFound
		}
		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		updated, err := registry.ApplyUpdate(current, fn, time.Now().UTC())
		if err != nil {
			return err
		}
		encoded, err := encodeRecord(updated)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, encoded); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := uploadsBucket(tx)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(id))
	})
}

func (r *Registry) List(ctx context.Context) ([]registry.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := make([]registry.Record, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket, err := uploadsBucket(tx)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	registry.SortRecords(records)
	return records, nil
}

func (r *Registry) ensureSchema() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketUploads)); err != nil {
			return fmt.Errorf("ensure uploads bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("ensure meta bucket: %w", err)
		}
		versionBytes := meta.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version == currentSchemaVersion {
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		if err := migrate(tx, version, currentSchemaVersion); err != nil {
			return err
		}
		return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

func migrate(tx *bolt.Tx, from, to int) error {
	version := from
	for version < to {
		switch version {
		case 0:
			// v0 files stored records without UpdatedAt.
			bucket := tx.Bucket([]byte(bucketUploads))
			backfill := make(map[string][]byte)
			err := bucket.ForEach(func(k, v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				if !rec.UpdatedAt.IsZero() {
					return nil
				}
				rec.UpdatedAt = rec.CreatedAt
				data, err := encodeRecord(rec)
				if err != nil {
					return err
				}
				backfill[string(k)] = data
				return nil
			})
			if err != nil {
				return fmt.Errorf("migrate v0 uploads: %w", err)
			}
			for k, data := range backfill {
				if err := bucket.Put([]byte(k), data); err != nil {
					return fmt.Errorf("migrate v0 uploads: %w", err)
				}
			}
			version = 1
		default:
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
	}
	return nil
}

func uploadsBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(bucketUploads))
	if bucket == nil {
		return nil, fmt.Errorf("missing bucket %s", bucketUploads)
	}
	return bucket, nil
}

type storedRecord struct {
	ID             string            `json:"id"`
	DeclaredSize   int64             `json:"declared_size"`
	ReceivedLength int64             `json:"received_length"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Completed      bool              `json:"completed"`
	Finalized      bool              `json:"finalized,omitempty"`
}

func encodeRecord(rec registry.Record) ([]byte, error) {
	return json.Marshal(storedRecord(rec))
}

func decodeRecord(data []byte) (registry.Record, error) {
	var s storedRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return registry.Record{}, err
	}
	rec := registry.Record(s)
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	return rec, nil
}
