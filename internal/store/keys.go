package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/weir-run/weir/internal/models"
)

// Key layout, shared by both backends:
//
//	sn | worker be64 | epoch be64 | opID len be16 | opID | key  -> crc32 + blob
//	sp | worker be64 | epoch be64 | sourceID                    -> crc32 + pos
//	sc | worker be64 | epoch be64                               -> completion record
//	mk                                                          -> marker JSON
//
// Epochs and workers are big-endian so lexicographic key order matches
// numeric order.

var (
	prefixState    = []byte("sn")
	prefixPosition = []byte("sp")
	prefixComplete = []byte("sc")
	keyMarker      = []byte("mk")
)

type completion struct {
	Entries   int `json:"entries"`
	Positions int `json:"positions"`
}

func be64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func snapPrefix(prefix []byte, worker int, epoch models.Epoch) []byte {
	k := make([]byte, 0, len(prefix)+16)
	k = append(k, prefix...)
	k = append(k, be64(uint64(worker))...)
	k = append(k, be64(uint64(epoch))...)
	return k
}

func stateKey(worker int, epoch models.Epoch, opID, key string) []byte {
	k := snapPrefix(prefixState, worker, epoch)
	k = append(k, byte(len(opID)>>8), byte(len(opID)))
	k = append(k, opID...)
	k = append(k, key...)
	return k
}

// splitStateKey recovers (opID, key) from a state row key minus its
// (prefix, worker, epoch) head.
func splitStateKey(rest []byte) (string, string, error) {
	if len(rest) < 2 {
		return "", "", fmt.Errorf("%w: truncated state key", ErrCorruptState)
	}
	n := int(rest[0])<<8 | int(rest[1])
	rest = rest[2:]
	if len(rest) < n {
		return "", "", fmt.Errorf("%w: truncated operator id", ErrCorruptState)
	}
	return string(rest[:n]), string(rest[n:]), nil
}

func positionKey(worker int, epoch models.Epoch, sourceID string) []byte {
	k := snapPrefix(prefixPosition, worker, epoch)
	return append(k, sourceID...)
}

func completeKey(worker int, epoch models.Epoch) []byte {
	return snapPrefix(prefixComplete, worker, epoch)
}

// sealBlob prefixes blob with its crc32 so corruption is detected at load
// time instead of surfacing as silently wrong state.
func sealBlob(blob []byte) []byte {
	out := make([]byte, 4+len(blob))
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(blob))
	copy(out[4:], blob)
	return out
}

func unsealBlob(val []byte) ([]byte, error) {
	if len(val) < 4 {
		return nil, fmt.Errorf("%w: value shorter than checksum", ErrCorruptState)
	}
	want := binary.BigEndian.Uint32(val)
	blob := val[4:]
	if crc32.ChecksumIEEE(blob) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptState)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func encodeCompletion(snap *Snapshot) ([]byte, error) {
	return json.Marshal(completion{Entries: len(snap.Entries), Positions: len(snap.Positions)})
}

func decodeCompletion(val []byte) (completion, error) {
	var c completion
	if err := json.Unmarshal(val, &c); err != nil {
		return completion{}, fmt.Errorf("%w: completion record: %v", ErrCorruptState, err)
	}
	return c, nil
}

func encodeMarker(m Marker) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMarker(val []byte) (Marker, error) {
	var m Marker
	if err := json.Unmarshal(val, &m); err != nil {
		return Marker{}, fmt.Errorf("%w: %v", ErrCorruptMarker, err)
	}
	return m, nil
}

// completeKeyParts recovers (worker, epoch) from a completion key.
func completeKeyParts(key []byte) (int, models.Epoch, bool) {
	if len(key) != len(prefixComplete)+16 {
		return 0, 0, false
	}
	rest := key[len(prefixComplete):]
	w := binary.BigEndian.Uint64(rest[:8])
	e := binary.BigEndian.Uint64(rest[8:])
	return int(w), models.Epoch(e), true
}
