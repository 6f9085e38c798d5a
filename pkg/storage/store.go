// Package storage implements the content-addressed named-data store:
// a name -> SHA-1 digest index backed by BoltDB, with deduplicated blob
// files, prefix lookup, and self-healing cleanup of index entries whose
// backing blob has gone missing.
package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var namesBucket = []byte("names")

// NameTakenError reports that store_data was called with a name that
// already has an index entry.
type NameTakenError struct {
	Name string
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("storage: name %q already exists", e.Name)
}

// NoSuchNameError reports that a name has no index entry, or that its
// entry pointed at a blob file that no longer exists.
type NoSuchNameError struct {
	Name string
}

func (e *NoSuchNameError) Error() string {
	return fmt.Sprintf("storage: no such name %q", e.Name)
}

// record is the JSON value stored under each name key.
type record struct {
	Digest   string    `json:"digest"`
	StoredAt time.Time `json:"stored_at"`
}

// Entry is one (name, bytes) pair returned by LoadData.
type Entry struct {
	Name string
	Data []byte
}

// Store is a content-addressed named-data store rooted at a directory
// containing database.db (the name index) and blobs/ (the content-
// addressed blob files). A single reader/writer lock guards index
// mutation; BoltDB's own transaction semantics (one writer, many
// concurrent readers within a transaction) sit underneath it, but the
// lock exists to implement the two-phase detect-under-read/repair-
// under-write cleanup contract, not merely to serialize Bolt access.
type Store struct {
	mu      sync.RWMutex
	db      *bolt.DB
	blobDir string
}

// Open opens (creating if necessary) a store rooted at dir.
func Open(dir string) (*Store, error) {
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create blob dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "database.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(namesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create names bucket: %w", err)
	}

	return &Store{db: db, blobDir: blobDir}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.blobDir, digest)
}

// StoreData atomically inserts an index entry for name and materializes
// the blob, deduplicating on content digest. The blob is written before
// the index row, so no partial insert is observable.
func (s *Store) StoreData(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(namesBucket).Get([]byte(name)) != nil {
			taken = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: check name %q: %w", name, err)
	}
	if taken {
		return &NameTakenError{Name: name}
	}

	sum := sha1.Sum(data)
	digest := hex.EncodeToString(sum[:])
	path := s.blobPath(digest)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("storage: write blob %s: %w", digest, err)
		}
	} else if err != nil {
		return fmt.Errorf("storage: stat blob %s: %w", digest, err)
	}

	encoded, err := json.Marshal(record{Digest: digest, StoredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("storage: encode index record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(namesBucket).Put([]byte(name), encoded)
	})
	if err != nil {
		return fmt.Errorf("storage: insert index entry %q: %w", name, err)
	}
	return nil
}

// LoadData returns every entry whose name starts with prefix. Entries
// whose blob file has disappeared since being indexed are dropped from
// the result and their index rows removed (self-healing), under the
// writer lock, after the reader lock used for the scan is released.
func (s *Store) LoadData(prefix string) ([]Entry, error) {
	type hit struct{ name, digest string }

	s.mu.RLock()
	var hits []hit
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(namesBucket).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("storage: decode index record for %q: %w", k, err)
			}
			hits = append(hits, hit{name: string(k), digest: rec.Digest})
		}
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(hits))
	var disappeared []string
	for _, h := range hits {
		data, err := os.ReadFile(s.blobPath(h.digest))
		switch {
		case errors.Is(err, os.ErrNotExist):
			disappeared = append(disappeared, h.name)
		case err != nil:
			return nil, fmt.Errorf("storage: read blob for %q: %w", h.name, err)
		default:
			entries = append(entries, Entry{Name: h.name, Data: data})
		}
	}

	if len(disappeared) > 0 {
		s.cleanup(disappeared)
	}
	return entries, nil
}

// FindMissing returns the subset of names that have no index entry.
func (s *Store) FindMissing(names []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(namesBucket)
		for _, n := range names {
			if b.Get([]byte(n)) == nil {
				missing = append(missing, n)
			}
		}
		return nil
	})
	return missing, err
}

// CopyToFile copies the blob referenced by name to dst. If the index
// entry exists but the blob file is gone, the stale entry is removed and
// NoSuchNameError is returned, same as a name that was never stored.
func (s *Store) CopyToFile(name, dst string) error {
	s.mu.RLock()
	var digest string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(namesBucket).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("storage: decode index record for %q: %w", name, err)
		}
		digest = rec.Digest
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if !found {
		return &NoSuchNameError{Name: name}
	}

	src, err := os.Open(s.blobPath(digest))
	if errors.Is(err, os.ErrNotExist) {
		s.cleanup([]string{name})
		return &NoSuchNameError{Name: name}
	}
	if err != nil {
		return fmt.Errorf("storage: open blob for %q: %w", name, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("storage: copy %q to %s: %w", name, dst, err)
	}
	return nil
}

// cleanup removes index rows for names whose blob has disappeared. It
// takes the writer lock itself; callers must not hold the reader lock
// when calling it (the two-phase pattern: detect under read, repair
// under write).
func (s *Store) cleanup(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(namesBucket)
		for _, n := range names {
			if err := b.Delete([]byte(n)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Best-effort repair; a failed cleanup just leaves the stale
		// entries to be retried on the next LoadData/CopyToFile call.
		return
	}
}

// Stats reports the current entry count and total on-disk blob size, for
// the storage metrics gauges (the Datastore refreshes them after each
// NDATA_PUT).
func (s *Store) Stats() (entries int, totalBytes int64, err error) {
	s.mu.RLock()
	err = s.db.View(func(tx *bolt.Tx) error {
		entries = tx.Bucket(namesBucket).Stats().KeyN
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		return 0, 0, err
	}

	walkErr := filepath.WalkDir(s.blobDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		totalBytes += info.Size()
		return nil
	})
	if walkErr != nil {
		return entries, 0, fmt.Errorf("storage: walk blob dir: %w", walkErr)
	}
	return entries, totalBytes, nil
}
