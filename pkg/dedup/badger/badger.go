// Package badger implements the dedup.Index contract on BadgerDB.
//
// Badger gives the index a WAL-backed transactional store with a
// single-writer discipline: exactly one process opens the directory
// read-write, and a store-level mutex serializes writers within the
// process. That exclusivity makes it a single-process deployment
// choice; installations running the bot and the worker together use
// the sql driver instead. Hash-to-key mappings are never served from
// an in-process cache; every lookup is a transaction against the
// store.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cptnfren/teltubby/pkg/dedup"
)

// Key prefixes. Each keyspace holds one kind of mapping:
//
//	f:<sha256>            -> JSON dedup.Record
//	u:<file_unique_id>    -> sha256
//	m:<chat_id>:<msg_id>  -> committed unit prefix
const (
	prefixFile     = "f:"
	prefixUniqueID = "u:"
	prefixUnit     = "m:"
)

// Store implements dedup.Index.
type Store struct {
	db *badger.DB
	mu sync.Mutex // serializes writers

	gcDiscardRatio float64
}

// Config contains index configuration.
type Config struct {
	// Path is the index directory. Ignored when InMemory is set.
	Path string

	// InMemory runs the store without disk persistence (tests).
	InMemory bool

	// GCDiscardRatio controls value-log garbage collection during
	// Vacuum (default: 0.5).
	GCDiscardRatio float64
}

// New opens the index. The directory is created when missing; a second
// read-write open of the same directory fails, which is what enforces
// the single-writer discipline across processes.
func New(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("index path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup index: %w", err)
	}

	ratio := cfg.GCDiscardRatio
	if ratio == 0 {
		ratio = 0.5
	}

	return &Store{db: db, gcDiscardRatio: ratio}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func keyFile(sha string) []byte     { return []byte(prefixFile + sha) }
func keyUniqueID(id string) []byte  { return []byte(prefixUniqueID + id) }
func keyUnit(chat, msg int64) []byte {
	return []byte(prefixUnit + strconv.FormatInt(chat, 10) + ":" + strconv.FormatInt(msg, 10))
}

// LookupUniqueID resolves a transport unique id to its record.
func (s *Store) LookupUniqueID(ctx context.Context, uniqueID string) (*dedup.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *dedup.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyUniqueID(uniqueID))
		if err == badger.ErrKeyNotFound {
			return dedup.ErrNotFound
		}
		if err != nil {
			return err
		}

		var sha string
		if err := item.Value(func(val []byte) error {
			sha = string(val)
			return nil
		}); err != nil {
			return err
		}

		rec, err = getRecord(txn, sha)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LookupHash resolves a content hash to its record.
func (s *Store) LookupHash(ctx context.Context, sha256 string) (*dedup.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *dedup.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, sha256)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Register stores a fresh record and maps uniqueID to its hash.
//
// Insert-or-ignore semantics: registering the same hash with the same
// key again is a no-op (crash-recovery re-runs hit this); the same hash
// with a different key fails with *dedup.ConflictError and leaves the
// existing record untouched.
func (s *Store) Register(ctx context.Context, rec dedup.Record, uniqueID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SHA256 == "" || rec.Key == "" {
		return fmt.Errorf("record requires sha256 and key")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		existing, err := getRecord(txn, rec.SHA256)
		switch err {
		case nil:
			if existing.Key != rec.Key {
				return &dedup.ConflictError{Existing: *existing}
			}
			// idempotent re-registration; still refresh the alias
		case dedup.ErrNotFound:
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(keyFile(rec.SHA256), data); err != nil {
				return fmt.Errorf("failed to store record: %w", err)
			}
		default:
			return err
		}

		if uniqueID != "" {
			if err := txn.Set(keyUniqueID(uniqueID), []byte(rec.SHA256)); err != nil {
				return fmt.Errorf("failed to map unique id: %w", err)
			}
		}
		return nil
	})
}

// MapUniqueID adds another unique-id alias for a registered hash.
func (s *Store) MapUniqueID(ctx context.Context, uniqueID, sha256 string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uniqueID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, sha256); err != nil {
			return err
		}
		return txn.Set(keyUniqueID(uniqueID), []byte(sha256))
	})
}

// RecordUnit marks a (chat, message) pair as committed.
func (s *Store) RecordUnit(ctx context.Context, chatID, messageID int64, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyUnit(chatID, messageID), []byte(prefix))
	})
}

// LookupUnit returns the committed prefix for a (chat, message) pair.
func (s *Store) LookupUnit(ctx context.Context, chatID, messageID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var prefix string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyUnit(chatID, messageID))
		if err == badger.ErrKeyNotFound {
			return dedup.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			prefix = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return prefix, nil
}

// Vacuum runs value-log garbage collection until badger reports nothing
// left to rewrite.
func (s *Store) Vacuum(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.RunValueLogGC(s.gcDiscardRatio)
		if err == badger.ErrNoRewrite {
			return nil
		}
		if err != nil {
			// in-memory stores have no value log
			if err == badger.ErrGCInMemoryMode {
				return nil
			}
			return fmt.Errorf("value log GC: %w", err)
		}
	}
}

// getRecord reads and decodes a record inside a transaction.
func getRecord(txn *badger.Txn, sha string) (*dedup.Record, error) {
	item, err := txn.Get(keyFile(sha))
	if err == badger.ErrKeyNotFound {
		return nil, dedup.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec dedup.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}
