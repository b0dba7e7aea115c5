// Package store caches device data on the host: the artifact, which is
// expensive to pull over the serial link, and copies of account records.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/keychainctl/internal/protocol/command"
	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	keyArtifact          = "artifact:current"
	keyPrefixAccount     = "account:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

var ErrClosed = errors.New("store: closed")

type Options struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// GCInterval drives value log GC; zero disables it.
	GCInterval time.Duration
}

type artifactRecord struct {
	Doc       []byte `cbor:"1,keyasint"`
	FetchedAt int64  `cbor:"2,keyasint"`
}

type accountRecord struct {
	Index           int    `cbor:"1,keyasint"`
	PK              []byte `cbor:"2,keyasint"`
	Salt            []byte `cbor:"3,keyasint"`
	MSK             []byte `cbor:"4,keyasint"`
	ContractClassID []byte `cbor:"5,keyasint,omitempty"`
}

// Store is a badger-backed cache. Values are CBOR encoded.
type Store struct {
	db       *badgerdb.DB
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

func Open(opts Options) (*Store, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		dir, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("store: resolve %q: %w", opts.Dir, err)
		}
		bopts = badgerdb.DefaultOptions(dir)
		bopts.SyncWrites = true
		bopts.CompactL0OnClose = true
	}
	bopts.Logger = &badgerLogger{logger: log.Logger.With().Str("component", "badger").Logger()}
	bopts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel
	if opts.GCInterval > 0 && !opts.InMemory {
		s.gcWg.Add(1)
		go s.runGC(ctx, opts.GCInterval)
	}
	log.Debug().Str("dir", opts.Dir).Bool("in_memory", opts.InMemory).Msg("store: opened")
	return s, nil
}

func (s *Store) initSchema() error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("store: read schema version: %w", err)
		}
		return item.Value(func(val []byte) error {
			if string(val) != currentSchemaVersion {
				return fmt.Errorf("store: unsupported schema version %q (expected %q)", val, currentSchemaVersion)
			}
			return nil
		})
	})
}

func (s *Store) runGC(ctx context.Context, every time.Duration) {
	defer s.gcWg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				log.Warn().Err(err).Msg("store: value log gc")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Artifact implements device.ArtifactCache.
func (s *Store) Artifact() (json.RawMessage, bool, error) {
	var rec artifactRecord
	ok, err := s.get(keyArtifact, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return json.RawMessage(rec.Doc), true, nil
}

func (s *Store) StoreArtifact(doc json.RawMessage) error {
	return s.put(keyArtifact, artifactRecord{Doc: doc, FetchedAt: time.Now().Unix()})
}

func (s *Store) PutAccount(a command.Account) error {
	return s.put(string(accountKey(a.Index)), accountRecord{
		Index:           a.Index,
		PK:              a.PK,
		Salt:            a.Salt,
		MSK:             a.MSK,
		ContractClassID: a.ContractClassID,
	})
}

func (s *Store) Account(index int) (command.Account, bool, error) {
	var rec accountRecord
	ok, err := s.get(string(accountKey(index)), &rec)
	if err != nil || !ok {
		return command.Account{}, false, err
	}
	return rec.account(), true, nil
}

// Accounts implements status.AccountSource, ordered by index.
func (s *Store) Accounts() ([]command.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []command.Account
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefixAccount)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec accountRecord
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("store: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec.account())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) DeleteAccount(index int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(accountKey(index))
	})
}

func (r accountRecord) account() command.Account {
	return command.Account{
		Index:           r.Index,
		PK:              r.PK,
		Salt:            r.Salt,
		MSK:             r.MSK,
		ContractClassID: r.ContractClassID,
	}
}

func accountKey(index int) []byte {
	// Zero padded keys iterate in index order.
	return []byte(fmt.Sprintf("%s%04d", keyPrefixAccount, index))
}

func (s *Store) put(key string, v any) error {
	val, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (s *Store) get(key string, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, v)
		})
	})
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return found, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.gcCancel()
	s.gcWg.Wait()
	return s.db.Close()
}
