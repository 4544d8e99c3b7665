package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
)

const (
	prefixEntry    = "ns/"
	prefixRegistry = "nsreg/"
)

type BadgerConfig struct {
	// Path is the on-disk directory. Empty with InMemory set keeps data in RAM.
	Path     string
	InMemory bool
}

type badgerStore struct {
	db *badgerdb.DB
}

// NewBadger opens an embedded badger database. Entries live under
// ns/<namespace>/<key> and every namespace with data is registered under
// nsreg/<namespace>.
func NewBadger(cfg BadgerConfig) (Store, error) {
	var opts badgerdb.Options
	switch {
	case cfg.InMemory:
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(cfg.Path) != "":
		opts = badgerdb.DefaultOptions(cfg.Path)
	default:
		return nil, errors.New("cache: badger path required")
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func entryKey(namespace, key string) []byte {
	return []byte(prefixEntry + namespace + "/" + key)
}

func namespacePrefix(namespace string) []byte {
	return []byte(prefixEntry + namespace + "/")
}

func (s *badgerStore) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(namespace, key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: badger get: %w", err)
	}
	return entry, found, nil
}

func (s *badgerStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(stampEntry(entry))
	if err != nil {
		return fmt.Errorf("cache: badger marshal: %w", err)
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(prefixRegistry+namespace), nil); err != nil {
			return err
		}
		return txn.Set(entryKey(namespace, key), payload)
	})
	if err != nil {
		return fmt.Errorf("%w: badger set: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *badgerStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix(namespacePrefix(namespace)); err != nil {
		return fmt.Errorf("cache: badger drop %s: %w", namespace, err)
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(prefixRegistry + namespace))
	})
	if err != nil {
		return fmt.Errorf("cache: badger unregister %s: %w", namespace, err)
	}
	return nil
}

func (s *badgerStore) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(prefixRegistry)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: badger list namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *badgerStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: badger close: %w", err)
	}
	return nil
}
