package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"meshpay/internal/tx"
)

var (
	ErrNotFound      = errors.New("transaction not found")
	ErrBadTransition = errors.New("invalid status transition")
)

var (
	bucketTransactions = []byte("transactions")
	keyPendingIndex    = []byte("pending:index")
)

const txKeyPrefix = "tx:"

// TxStore is the single source of truth for transaction status. Records live
// under tx:<id>; pending:index holds the ids still awaiting reconciliation
// (status pending or confirmed) and is maintained inside the same write
// transaction as the record, so the two can never disagree.
type TxStore struct {
	db *bolt.DB
}

func Open(path string) (*TxStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(bucketTransactions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &TxStore{db: db}, nil
}

func (s *TxStore) Close() error {
	return s.db.Close()
}

func txKey(id string) []byte {
	return []byte(txKeyPrefix + id)
}

func readIndex(b *bolt.Bucket) ([]string, error) {
	raw := b.Get(keyPendingIndex)
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("corrupt pending index: %w", err)
	}
	return ids, nil
}

func writeIndex(b *bolt.Bucket, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return b.Put(keyPendingIndex, raw)
}

func indexWith(ids []string, id string, present bool) []string {
	out := make([]string, 0, len(ids)+1)
	found := false
	for _, cur := range ids {
		if cur == id {
			found = true
			if !present {
				continue
			}
		}
		out = append(out, cur)
	}
	if present && !found {
		out = append(out, id)
	}
	return out
}

func inIndex(status tx.Status) bool {
	return status == tx.StatusPending || status == tx.StatusConfirmed
}

// Put inserts or overwrites a record and reconciles the pending index with
// the record's status.
func (s *TxStore) Put(t tx.Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("missing transaction id")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTransactions)
		if err := b.Put(txKey(t.ID), raw); err != nil {
			return err
		}
		ids, err := readIndex(b)
		if err != nil {
			return err
		}
		return writeIndex(b, indexWith(ids, t.ID, inIndex(t.Status)))
	})
}

func (s *TxStore) Get(id string) (tx.Transaction, bool, error) {
	var t tx.Transaction
	var found bool
	err := s.db.View(func(btx *bolt.Tx) error {
		raw := btx.Bucket(bucketTransactions).Get(txKey(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &t)
	})
	return t, found, err
}

func (s *TxStore) Has(id string) (bool, error) {
	_, ok, err := s.Get(id)
	return ok, err
}

// SetStatus advances the lifecycle, rejecting transitions the state machine
// forbids, and keeps the pending index in step.
func (s *TxStore) SetStatus(id string, next tx.Status) error {
	if !next.Valid() {
		return fmt.Errorf("invalid status %q", next)
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTransactions)
		raw := b.Get(txKey(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var t tx.Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if !t.Status.CanAdvanceTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.Status, next)
		}
		t.Status = next
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := b.Put(txKey(id), out); err != nil {
			return err
		}
		ids, err := readIndex(b)
		if err != nil {
			return err
		}
		return writeIndex(b, indexWith(ids, id, inIndex(next)))
	})
}

// MarkSeen appends a relaying node id to the record's seen set.
func (s *TxStore) MarkSeen(id, nodeID string) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTransactions)
		raw := b.Get(txKey(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var t tx.Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if !t.MarkSeen(nodeID) {
			return nil
		}
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(txKey(id), out)
	})
}

// Pending returns the transactions still awaiting reconciliation, in index
// order. Ids that no longer resolve to a record are dropped from the index.
func (s *TxStore) Pending() ([]tx.Transaction, error) {
	var out []tx.Transaction
	err := s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTransactions)
		ids, err := readIndex(b)
		if err != nil {
			return err
		}
		kept := ids[:0]
		for _, id := range ids {
			raw := b.Get(txKey(id))
			if raw == nil {
				continue
			}
			var t tx.Transaction
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			kept = append(kept, id)
			out = append(out, t)
		}
		if len(kept) != len(ids) {
			return writeIndex(b, kept)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TxStore) All() ([]tx.Transaction, error) {
	var out []tx.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		c := btx.Bucket(bucketTransactions).Cursor()
		prefix := []byte(txKeyPrefix)
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == txKeyPrefix; k, v = c.Next() {
			var t tx.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
