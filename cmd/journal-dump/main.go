package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/echolog/echolog/internal/hash"
	"github.com/echolog/echolog/internal/storage"
	bolt "go.etcd.io/bbolt"
)

// journalRecord mirrors the value layout written by storage.Journal.
type journalRecord struct {
	Sequence   uint64    `json:"sequence_number"`
	Payload    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <journal-path> [expected-digest]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Prints a node's journal and its chained digest. If expected-digest\n")
		fmt.Fprintf(os.Stderr, "is given (e.g. from the primary's GET /messages), exits 2 on mismatch.\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	fmt.Printf("Opening journal: %s\n", dbPath)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var entries []storage.Entry
	gaps := 0

	err = db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(storage.MetadataBucket); meta != nil {
			meta.ForEach(func(k, v []byte) error {
				fmt.Printf("  %s: %s\n", k, v)
				return nil
			})
		}

		bucket := tx.Bucket(storage.EntriesBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.EntriesBucket)
		}

		expected := uint64(0)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec journalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at key %x: %w", k, err)
			}

			if rec.Sequence != expected {
				fmt.Printf("  ⚠ gap: expected sequence %d, found %d\n", expected, rec.Sequence)
				gaps++
			}
			expected = rec.Sequence + 1

			fmt.Printf("%6d  %s  %q\n", rec.Sequence, rec.RecordedAt.Format(time.RFC3339), rec.Payload)
			entries = append(entries, storage.Entry{Sequence: rec.Sequence, Payload: rec.Payload})
		}
		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	digest := hash.Digest(entries)
	fmt.Printf("\n%d entries, %d gaps\n", len(entries), gaps)
	fmt.Printf("Digest: %s\n", digest)

	if len(os.Args) == 3 {
		if os.Args[2] != digest {
			fmt.Println("❌ Digest does not match expected value")
			os.Exit(2)
		}
		fmt.Println("✅ Digest matches expected value")
	}
}
