package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/weir-run/weir/internal/logger"
	"github.com/weir-run/weir/internal/models"
)

// BoltStore is the alternate durable backend, one bbolt file under dir.
// The same logical schema as the badger backend, with the key prefixes
// mapped onto buckets.
type BoltStore struct {
	db  *bolt.DB
	log zerolog.Logger
}

var (
	bucketState    = []byte("state")
	bucketPosition = []byte("positions")
	bucketComplete = []byte("complete")
	bucketMeta     = []byte("meta")
)

// OpenBolt opens (or creates) a bolt store at dir/checkpoints.db.
func OpenBolt(dir string) (*BoltStore, error) {
	log := logger.GetLogger("bolt-store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	path := filepath.Join(dir, "checkpoints.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt at %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketPosition, bucketComplete, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bolt buckets: %w", err)
	}
	log.Debug().Str("path", path).Msg("opened bolt store")
	return &BoltStore{db: db, log: log}, nil
}

func (s *BoltStore) WriteSnapshot(snap *Snapshot) error {
	comp, err := encodeCompletion(snap)
	if err != nil {
		return fmt.Errorf("store: encode completion: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketState)
		for _, e := range snap.Entries {
			if err := sb.Put(stateKey(snap.Worker, snap.Epoch, e.OperatorID, e.Key), sealBlob(e.Blob)); err != nil {
				return err
			}
		}
		pb := tx.Bucket(bucketPosition)
		for _, p := range snap.Positions {
			if err := pb.Put(positionKey(snap.Worker, snap.Epoch, p.SourceID), sealBlob(p.Pos)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketComplete).Put(completeKey(snap.Worker, snap.Epoch), comp)
	})
	if err != nil {
		return fmt.Errorf("store: write snapshot (worker %d, epoch %d): %w", snap.Worker, snap.Epoch, err)
	}
	return nil
}

func (s *BoltStore) LoadSnapshot(worker int, epoch models.Epoch) (*Snapshot, error) {
	snap := &Snapshot{Worker: worker, Epoch: epoch}
	var comp completion
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketComplete).Get(completeKey(worker, epoch))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		comp, err = decodeCompletion(raw)
		if err != nil {
			return err
		}

		statePrefix := snapPrefix(prefixState, worker, epoch)
		c := tx.Bucket(bucketState).Cursor()
		for k, v := c.Seek(statePrefix); k != nil && bytes.HasPrefix(k, statePrefix); k, v = c.Next() {
			opID, key, err := splitStateKey(k[len(statePrefix):])
			if err != nil {
				return err
			}
			blob, err := unsealBlob(v)
			if err != nil {
				return fmt.Errorf("operator %q key %q: %w", opID, key, err)
			}
			snap.Entries = append(snap.Entries, StateEntry{OperatorID: opID, Key: key, Blob: blob})
		}

		posPrefix := snapPrefix(prefixPosition, worker, epoch)
		c = tx.Bucket(bucketPosition).Cursor()
		for k, v := c.Seek(posPrefix); k != nil && bytes.HasPrefix(k, posPrefix); k, v = c.Next() {
			pos, err := unsealBlob(v)
			if err != nil {
				return fmt.Errorf("source %q: %w", string(k[len(posPrefix):]), err)
			}
			snap.Positions = append(snap.Positions, SourcePosition{SourceID: string(k[len(posPrefix):]), Pos: pos})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(snap.Entries) != comp.Entries || len(snap.Positions) != comp.Positions {
		return nil, fmt.Errorf("%w: snapshot (worker %d, epoch %d) row count mismatch", ErrCorruptState, worker, epoch)
	}
	return snap, nil
}

func (s *BoltStore) SnapshotWorkers(epoch models.Epoch) ([]int, error) {
	var workers []int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketComplete).ForEach(func(k, _ []byte) error {
			w, e, ok := completeKeyParts(k)
			if ok && e == epoch {
				workers = append(workers, w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *BoltStore) AdvanceMarker(m Marker) error {
	val, err := encodeMarker(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if raw := b.Get(keyMarker); raw != nil {
			cur, err := decodeMarker(raw)
			if err != nil {
				return err
			}
			if cur.Epoch >= m.Epoch {
				return nil
			}
		}
		return b.Put(keyMarker, val)
	})
}

func (s *BoltStore) Marker() (Marker, error) {
	var m Marker
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyMarker)
		if raw == nil {
			return ErrNotFound
		}
		var err error
		m, err = decodeMarker(raw)
		return err
	})
	return m, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
