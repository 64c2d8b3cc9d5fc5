package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
)

// Record is a pending transaction as kept in the journal
type Record struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Lane        string          `json:"lane"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Journal keeps submitted transactions until they complete so that they
// survive a restart
type Journal interface {
	Put(rec Record) error
	Delete(id string) error
	// List returns the pending records in submission order
	List() ([]Record, error)
	Close() error
}

const journalPrefix = "tx/"

// PebbleJournal is a Journal on a pebble database
type PebbleJournal struct {
	db *pebble.DB
}

func OpenPebbleJournal(path string) (*PebbleJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return j.db.Set([]byte(journalPrefix+rec.ID), data, pebble.Sync)
}

func (j *PebbleJournal) Delete(id string) error {
	return j.db.Delete([]byte(journalPrefix+id), pebble.Sync)
}

func (j *PebbleJournal) List() ([]Record, error) {
	it, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(journalPrefix),
		UpperBound: []byte("tx0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Record
	for ok := it.First(); ok; ok = it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", it.Key(), err)
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, k int) bool { return out[i].SubmittedAt.Before(out[k].SubmittedAt) })
	return out, nil
}

func (j *PebbleJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// nopJournal is used when the engine runs without persistence
type nopJournal struct{}

func (nopJournal) Put(Record) error        { return nil }
func (nopJournal) Delete(string) error     { return nil }
func (nopJournal) List() ([]Record, error) { return nil, nil }
func (nopJournal) Close() error            { return nil }
