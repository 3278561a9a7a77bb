package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

// ManifestFile is the manifest's name inside the container directory.
const ManifestFile = "manifest.db"

var recordsBucket = []byte("records")

// Record statuses.
const (
	StatusEncoded = "encoded"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// ErrNotFound is returned when a record has no manifest entry.
var ErrNotFound = errors.New("record not in manifest")

// Entry describes the last encoding attempt of one record.
type Entry struct {
	Record    string    `json:"record"`
	Status    string    `json:"status"`
	Windows   int       `json:"windows"`
	Entries   int       `json:"entries"`
	Digest    string    `json:"digest,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manifest tracks encoded containers in a bbolt database.
type Manifest struct {
	db *bbolt.DB
}

// Open opens or creates the manifest at path.
func Open(path string) (*Manifest, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Manifest{db: db}, nil
}

// OpenDir opens the manifest kept in a container directory.
func OpenDir(dir string) (*Manifest, error) {
	return Open(filepath.Join(dir, ManifestFile))
}

// Close closes the underlying database
func (m *Manifest) Close() error {
	return m.db.Close()
}

// Put stores e, replacing any previous entry for the record.
func (m *Manifest) Put(e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest entry: %w", err)
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(e.Record), data)
	})
}

// Get returns the entry for record.
func (m *Manifest) Get(record string) (Entry, error) {
	var e Entry
	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(record))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, record)
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// Delete removes a record's entry.
func (m *Manifest) Delete(record string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(record))
	})
}

// All returns every entry ordered by record name.
func (m *Manifest) All() ([]Entry, error) {
	var entries []Entry
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Record < entries[j].Record })
	return entries, err
}

// Mismatch is a manifest entry that disagrees with the files on disk.
type Mismatch struct {
	Record string
	Reason string
}

// Verify recomputes the digest of every encoded container under dir and
// reports entries whose file is missing or changed.
func (m *Manifest) Verify(dir string, containerPath func(dir, record string) string) ([]Mismatch, error) {
	entries, err := m.All()
	if err != nil {
		return nil, err
	}
	var out []Mismatch
	for _, e := range entries {
		if e.Status != StatusEncoded {
			continue
		}
		digest, err := FileDigest(containerPath(dir, e.Record))
		switch {
		case errors.Is(err, os.ErrNotExist):
			out = append(out, Mismatch{Record: e.Record, Reason: "container missing"})
		case err != nil:
			return nil, err
		case digest != e.Digest:
			out = append(out, Mismatch{Record: e.Record, Reason: "digest mismatch"})
		}
	}
	return out, nil
}

// FileDigest returns the hex BLAKE2b-256 digest of a file.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
