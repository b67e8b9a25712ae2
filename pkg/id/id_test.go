package id

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProducesDistinctValidIDs(t *testing.T) {
	a := New()
	b := New()

	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), Length)
	assert.False(t, a.IsNil())
}

func TestNew_EncodesCurrentTimeToMillisecondPrecision(t *testing.T) {
	before := time.Now()
	got := New()
	after := time.Now()

	gotTime := got.Time()
	assert.False(t, gotTime.Before(before.Truncate(time.Millisecond)))
	assert.False(t, gotTime.After(after))
}

func TestParse_RoundTrip(t *testing.T) {
	original := New()
	s := original.String()

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
	assert.Equal(t, s, parsed.String())
}

func TestParse_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", MustParse("0123456789abcdef0123456789abcdef").String() + "0"},
		{"uppercase hex", "0123456789ABCDEF0123456789ABCDEF"},
		{"non-hex characters", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
		{"empty", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			assert.Error(t, err)
		})
	}
}

func TestLess_OrdersByMintTime(t *testing.T) {
	first := newFromTime(time.UnixMilli(1000))
	second := newFromTime(time.UnixMilli(2000))

	assert.True(t, Less(first, second))
	assert.False(t, Less(second, first))
}

func TestLess_SameMillisecondIsStableNotEqual(t *testing.T) {
	t0 := time.UnixMilli(5000)
	a := newFromTime(t0)
	b := newFromTime(t0)

	// Both encode the same timestamp; entropy tiebreak must still yield a
	// strict, non-reflexive order (unless the 80-bit entropy collided).
	if a != b {
		assert.NotEqual(t, Less(a, b), Less(b, a))
	}
}

func TestMarshalJSON_UsesBareHexString(t *testing.T) {
	original := New()

	out, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Equal(t, `"`+original.String()+`"`, string(out))

	var roundTripped ID
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, original, roundTripped)
}

func TestNilID(t *testing.T) {
	assert.True(t, Nil.IsNil())
	assert.Equal(t, "00000000000000000000000000000000", Nil.String())
}
