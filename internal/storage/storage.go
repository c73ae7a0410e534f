package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	EntriesBucket  = []byte("entries")
	MetadataBucket = []byte("metadata")
)

var ErrNotFound = errors.New("journal entry not found")

// Entry is a single sequenced write. Entries are immutable once the sequence
// has been assigned; two entries are the same entry iff their sequences match.
type Entry struct {
	Sequence uint64 `json:"sequence_number"`
	Payload  string `json:"message"`
}

type record struct {
	Entry
	RecordedAt time.Time `json:"recorded_at"`
}

// Journal is a bbolt file mirroring an entry log for offline inspection.
// It is written alongside the in-memory log and never replayed on startup.
type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{EntriesBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// SequenceKey encodes a sequence as a big-endian key so bbolt's byte ordering
// matches sequence ordering.
func SequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (j *Journal) Append(entry Entry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(EntriesBucket)

		data, err := json.Marshal(record{Entry: entry, RecordedAt: time.Now()})
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		return bucket.Put(SequenceKey(entry.Sequence), data)
	})
}

func (j *Journal) Get(seq uint64) (*Entry, error) {
	var rec record

	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(EntriesBucket).Get(SequenceKey(seq))
		if data == nil {
			return fmt.Errorf("sequence %d: %w", seq, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &rec.Entry, nil
}

func (j *Journal) Latest() (*Entry, error) {
	var rec record

	err := j.db.View(func(tx *bolt.Tx) error {
		_, data := tx.Bucket(EntriesBucket).Cursor().Last()
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &rec.Entry, nil
}

// Entries returns every journaled entry in sequence order.
func (j *Journal) Entries() ([]Entry, error) {
	entries := make([]Entry, 0)

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(EntriesBucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, rec.Entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (j *Journal) SetMetadata(key, value string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (j *Journal) GetMetadata(key string) (string, error) {
	var value string

	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
