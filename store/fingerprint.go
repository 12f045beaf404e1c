package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"sort"
)

// Fingerprinter is implemented by resolved handles (live models, open
// repositories) that contribute a stable identity to fingerprints instead
// of their in-memory representation.
type Fingerprinter interface {
	FingerprintKey() string
}

// Fingerprint computes a deterministic content hash of a value, used as
// the input half of task-output cache keys and for job deduplication.
//
// The encoding canonicalises maps by sorted key, tags every value with
// its type so "1" and 1 differ, hashes numeric buffers byte-wise, and
// substitutes FingerprintKey for values implementing Fingerprinter.
// Values outside the canonical set fall back to their fmt rendering.
func Fingerprint(v any) string {
	h := sha256.New()
	writeValue(h, v)
	return hex.EncodeToString(h.Sum(nil))
}

func writeValue(h hash.Hash, v any) {
	if fp, ok := v.(Fingerprinter); ok {
		writeTagged(h, 'h', []byte(fp.FingerprintKey()))
		return
	}
	switch val := v.(type) {
	case nil:
		h.Write([]byte{'z'})
	case bool:
		if val {
			writeTagged(h, 'b', []byte{1})
		} else {
			writeTagged(h, 'b', []byte{0})
		}
	case string:
		writeTagged(h, 's', []byte(val))
	case float64:
		writeNumber(h, val)
	case float32:
		writeNumber(h, float64(val))
	case int:
		writeNumber(h, float64(val))
	case int8:
		writeNumber(h, float64(val))
	case int16:
		writeNumber(h, float64(val))
	case int32:
		writeNumber(h, float64(val))
	case int64:
		writeNumber(h, float64(val))
	case uint:
		writeNumber(h, float64(val))
	case uint8:
		writeNumber(h, float64(val))
	case uint16:
		writeNumber(h, float64(val))
	case uint32:
		writeNumber(h, float64(val))
	case uint64:
		writeNumber(h, float64(val))
	case []byte:
		writeTagged(h, 'B', val)
	case []float32:
		buf := make([]byte, 4*len(val))
		for i, f := range val {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		writeTagged(h, 'F', buf)
	case []float64:
		buf := make([]byte, 8*len(val))
		for i, f := range val {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
		}
		writeTagged(h, 'D', buf)
	case []int:
		buf := make([]byte, 8*len(val))
		for i, n := range val {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(n))
		}
		writeTagged(h, 'I', buf)
	case []any:
		h.Write([]byte{'a'})
		writeLen(h, len(val))
		for _, el := range val {
			writeValue(h, el)
		}
	case map[string]any:
		h.Write([]byte{'m'})
		writeLen(h, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeTagged(h, 'k', []byte(k))
			writeValue(h, val[k])
		}
	default:
		writeTagged(h, 'o', []byte(fmt.Sprintf("%T:%v", val, val)))
	}
}

func writeTagged(h hash.Hash, tag byte, payload []byte) {
	h.Write([]byte{tag})
	writeLen(h, len(payload))
	h.Write(payload)
}

func writeNumber(h hash.Hash, f float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	h.Write([]byte{'n'})
	h.Write(buf[:])
}

func writeLen(h hash.Hash, n int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}
