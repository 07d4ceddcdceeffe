package ftl

import (
	"github.com/pkg/errors"
	"github.com/ryogrid/dftl-kvssd/internal/status"
)

// MaxKeyLen is the upper bound on a key's length (spec.md §6).
const MaxKeyLen = 16

// encodeRecord serializes a KV pair the way the backing image stores it:
// [u8 key_len][key_bytes][value_bytes] (spec.md §6's persisted layout).
func encodeRecord(key, value []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return nil, errors.Wrap(status.New(status.Corrupt, "key length %d out of bounds (1..%d)", len(key), MaxKeyLen), "ftl.encodeRecord")
	}
	if len(value)%4 != 0 {
		return nil, errors.Wrap(status.New(status.Corrupt, "value length %d is not a multiple of 4", len(value)), "ftl.encodeRecord")
	}
	rec := make([]byte, 1+len(key)+len(value))
	rec[0] = byte(len(key))
	copy(rec[1:], key)
	copy(rec[1+len(key):], value)
	return rec, nil
}

// collisionExhaustedErr reports that a write-side probe sequence ran out
// of retries without finding a free or matching LPA slot for key
// (spec.md §7's bounded hash-collision retry loop).
func collisionExhaustedErr(key []byte, maxTries uint32) error {
	return errors.Wrap(status.New(status.Corrupt, "key %q exhausted %d hash-collision retries on write", key, maxTries), "ftl.resolveMapping")
}

// decodeRecord splits a record back into its key and value.
func decodeRecord(rec []byte) (key, value []byte, err error) {
	if len(rec) < 1 {
		return nil, nil, status.New(status.Corrupt, "record too short to hold a key length byte")
	}
	klen := int(rec[0])
	if klen < 1 || 1+klen > len(rec) {
		return nil, nil, status.New(status.Corrupt, "record key length %d inconsistent with record size %d", klen, len(rec))
	}
	return rec[1 : 1+klen], rec[1+klen:], nil
}
