// Package store persists orders, order lists, positions and counters so the
// cache can be rebuilt after a restart.
package store

import (
	"github.com/bytedance/sonic"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/yanun0323/errors"

	"ordercore/internal/order"
	"ordercore/internal/schema"
	"ordercore/internal/state"
)

const (
	prefixOrder    = "order/"
	prefixList     = "list/"
	prefixPosition = "position/"
	prefixMeta     = "meta/"
)

// PebbleStore keeps one JSON document per key in a pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates a database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(32 << 20)
	defer cache.Unref()
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: 16 << 20,
		BytesPerSync: 512 << 10,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble").With("path", path)
	}
	return &PebbleStore{db: db}, nil
}

// OpenPebbleInMemory opens a database backed by memory only.
func OpenPebbleInMemory() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory pebble")
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) SaveOrder(st order.State) error {
	return s.put(prefixOrder+string(st.Init.ClientOrderID), st)
}

func (s *PebbleStore) DeleteOrder(id schema.ClientOrderID) error {
	if err := s.db.Delete([]byte(prefixOrder+string(id)), pebble.Sync); err != nil {
		return errors.Wrap(err, "delete order").With("id", id)
	}
	return nil
}

func (s *PebbleStore) SaveOrderList(l order.List) error {
	return s.put(prefixList+string(l.ID), l)
}

func (s *PebbleStore) SavePosition(p state.Position) error {
	return s.put(prefixPosition+string(p.InstrumentID), p)
}

func (s *PebbleStore) LoadOrders() ([]order.State, error) {
	return scan[order.State](s.db, prefixOrder)
}

func (s *PebbleStore) LoadOrderLists() ([]order.List, error) {
	return scan[order.List](s.db, prefixList)
}

func (s *PebbleStore) LoadPositions() ([]state.Position, error) {
	return scan[state.Position](s.db, prefixPosition)
}

// SetMeta stores a named counter, e.g. the last journal sequence.
func (s *PebbleStore) SetMeta(key string, value uint64) error {
	return s.put(prefixMeta+key, value)
}

// Meta returns a named counter. ok is false when it was never set.
func (s *PebbleStore) Meta(key string) (uint64, bool, error) {
	data, closer, err := s.db.Get([]byte(prefixMeta + key))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "get meta").With("key", key)
	}
	defer closer.Close()
	var v uint64
	if err := sonic.ConfigFastest.Unmarshal(data, &v); err != nil {
		return 0, false, errors.Wrap(err, "unmarshal meta").With("key", key)
	}
	return v, true, nil
}

func (s *PebbleStore) put(key string, v any) error {
	data, err := sonic.ConfigFastest.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal").With("key", key)
	}
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return errors.Wrap(err, "set").With("key", key)
	}
	return nil
}

func scan[T any](db *pebble.DB, prefix string) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "new iterator").With("prefix", prefix)
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := sonic.ConfigFastest.Unmarshal(iter.Value(), &v); err != nil {
			return nil, errors.Wrap(err, "unmarshal").With("key", string(iter.Key()))
		}
		out = append(out, v)
	}
	return out, nil
}

// upperBound returns the smallest key greater than every key with the prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
