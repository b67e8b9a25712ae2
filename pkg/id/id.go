// Package id mints the 128-bit, lexicographically time-ordered identifiers
// used for tasks, nodes, users and subscriptions.
//
// An ID is 16 bytes: a 48-bit big-endian unix-millisecond timestamp followed
// by 80 bits (10 bytes) of crypto-random entropy. Rendered as 32 lowercase
// hex characters, an ID minted in a later millisecond always sorts after one
// minted in an earlier millisecond, so a string/byte sort of IDs is a valid
// (if coarse, to-the-millisecond) mint-order sort without needing a separate
// sequence column. IDs minted in the same millisecond order by their random
// suffix, not by mint order.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Length is the encoded string length of an ID: 32 lowercase hex characters.
const Length = 32

const rawLength = 16 // 6 bytes timestamp + 10 bytes entropy

// ID is a 128-bit time-ordered identifier.
type ID [rawLength]byte

// Nil is the zero-value ID, used as a not-set sentinel.
var Nil ID

// New mints a new ID from the current wall clock.
func New() ID {
	return newFromTime(time.Now())
}

func newFromTime(t time.Time) ID {
	var out ID
	ms := uint64(t.UnixMilli())

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ms)
	// Keep the low 6 bytes: a 48-bit millisecond counter is good until
	// roughly the year 10889, comfortably past any deployment's lifetime.
	copy(out[0:6], tsBuf[2:8])

	if _, err := rand.Read(out[6:16]); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// there is no sane degraded mode for a production ID allocator.
		panic(fmt.Sprintf("id: crypto/rand unavailable: %v", err))
	}
	return out
}

// String renders the ID as 32 lowercase hex characters.
func (i ID) String() string {
	return hex.EncodeToString(i[:])
}

// IsNil reports whether the ID is the zero value.
func (i ID) IsNil() bool {
	return i == Nil
}

// Time returns the millisecond-precision timestamp encoded in the ID.
func (i ID) Time() time.Time {
	var tsBuf [8]byte
	copy(tsBuf[2:8], i[0:6])
	ms := binary.BigEndian.Uint64(tsBuf[:])
	return time.UnixMilli(int64(ms))
}

// Parse validates and decodes a 32-character lowercase hex string into an ID.
// It rejects any input that isn't exactly Length characters of lowercase hex,
// so a round-trip through String and Parse is always exact.
func Parse(s string) (ID, error) {
	if len(s) != Length {
		return Nil, fmt.Errorf("id: parse %q: want %d characters, got %d", s, Length, len(s))
	}
	for _, r := range s {
		isLowerHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isLowerHex {
			return Nil, fmt.Errorf("id: parse %q: not lowercase hex", s)
		}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	var out ID
	copy(out[:], raw)
	return out, nil
}

// MustParse is like Parse but panics on error; intended for constants/tests.
func MustParse(s string) ID {
	out, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return out
}

// MarshalText implements encoding.TextMarshaler so IDs encode as bare hex
// strings in JSON rather than base64-encoded byte arrays.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Less reports whether i sorts strictly before j — millisecond timestamp
// first, then the random tail as a tiebreak.
func Less(i, j ID) bool {
	for k := 0; k < rawLength; k++ {
		if i[k] != j[k] {
			return i[k] < j[k]
		}
	}
	return false
}
