package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/models"
)

// BadgerStore is the default durable backend. Each WriteSnapshot is one
// badger transaction, which is what makes the per-(worker, epoch) unit
// atomic.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadger opens (or creates) a badger store at dir. An empty dir opens
// an in-memory store, used by tests.
func OpenBadger(dir string) (*BadgerStore, error) {
	log := logger.GetLogger("badger-store")
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %q: %w", dir, err)
	}
	log.Debug().Str("dir", dir).Msg("opened badger store")
	return &BadgerStore{db: db, log: log}, nil
}

func (s *BadgerStore) WriteSnapshot(snap *Snapshot) error {
	comp, err := encodeCompletion(snap)
	if err != nil {
		return fmt.Errorf("store: encode completion: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, e := range snap.Entries {
			if err := txn.Set(stateKey(snap.Worker, snap.Epoch, e.OperatorID, e.Key), sealBlob(e.Blob)); err != nil {
				return err
			}
		}
		for _, p := range snap.Positions {
			if err := txn.Set(positionKey(snap.Worker, snap.Epoch, p.SourceID), sealBlob(p.Pos)); err != nil {
				return err
			}
		}
		return txn.Set(completeKey(snap.Worker, snap.Epoch), comp)
	})
	if err != nil {
		return fmt.Errorf("store: write snapshot (worker %d, epoch %d): %w", snap.Worker, snap.Epoch, err)
	}
	s.log.Debug().Int("worker", snap.Worker).Uint64("epoch", uint64(snap.Epoch)).
		Int("entries", len(snap.Entries)).Msg("snapshot written")
	return nil
}

func (s *BadgerStore) LoadSnapshot(worker int, epoch models.Epoch) (*Snapshot, error) {
	snap := &Snapshot{Worker: worker, Epoch: epoch}
	var comp completion
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(completeKey(worker, epoch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			comp, err = decodeCompletion(val)
			return err
		}); err != nil {
			return err
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		statePrefix := snapPrefix(prefixState, worker, epoch)
		for it.Seek(statePrefix); it.ValidForPrefix(statePrefix); it.Next() {
			item := it.Item()
			opID, key, err := splitStateKey(item.Key()[len(statePrefix):])
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			blob, err := unsealBlob(val)
			if err != nil {
				return fmt.Errorf("operator %q key %q: %w", opID, key, err)
			}
			snap.Entries = append(snap.Entries, StateEntry{OperatorID: opID, Key: key, Blob: blob})
		}

		posPrefix := snapPrefix(prefixPosition, worker, epoch)
		for it.Seek(posPrefix); it.ValidForPrefix(posPrefix); it.Next() {
			item := it.Item()
			sourceID := string(item.Key()[len(posPrefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			pos, err := unsealBlob(val)
			if err != nil {
				return fmt.Errorf("source %q: %w", sourceID, err)
			}
			snap.Positions = append(snap.Positions, SourcePosition{SourceID: sourceID, Pos: pos})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(snap.Entries) != comp.Entries || len(snap.Positions) != comp.Positions {
		return nil, fmt.Errorf("%w: snapshot (worker %d, epoch %d) has %d/%d rows, completion says %d/%d",
			ErrCorruptState, worker, epoch, len(snap.Entries), len(snap.Positions), comp.Entries, comp.Positions)
	}
	return snap, nil
}

func (s *BadgerStore) SnapshotWorkers(epoch models.Epoch) ([]int, error) {
	var workers []int
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixComplete); it.ValidForPrefix(prefixComplete); it.Next() {
			w, e, ok := completeKeyParts(it.Item().Key())
			if ok && e == epoch {
				workers = append(workers, w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *BadgerStore) AdvanceMarker(m Marker) error {
	val, err := encodeMarker(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyMarker)
		if err == nil {
			var cur Marker
			if err := item.Value(func(v []byte) error {
				cur, err = decodeMarker(v)
				return err
			}); err != nil {
				return err
			}
			if cur.Epoch >= m.Epoch {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(keyMarker, val)
	})
}

func (s *BadgerStore) Marker() (Marker, error) {
	var m Marker
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyMarker)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			m, err = decodeMarker(v)
			return err
		})
	})
	return m, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
