package storage

import (
	"testing"

	"github.com/cuemby/marathon/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestPlaceholders_GeneratesSequentialDollarParams(t *testing.T) {
	assert.Equal(t, "$1, $2, $3", placeholders(3))
	assert.Equal(t, "$1", placeholders(1))
}

func TestEncodeDecodeEnvVars_RoundTrip(t *testing.T) {
	original := []types.EnvVar{
		{Key: "GITHUB_TOKEN", Value: "c2VjcmV0"},
		{Key: "ANTHROPIC_API_KEY", Value: "b3RoZXJzZWNyZXQ="},
	}

	blob := encodeEnvVars(original)
	decoded := decodeEnvVars(blob)

	assert.Equal(t, original, decoded)
}

func TestDecodeEnvVars_EmptyBlobReturnsNil(t *testing.T) {
	assert.Nil(t, decodeEnvVars(""))
}

func TestDecodeEnvVars_SkipsMalformedLines(t *testing.T) {
	decoded := decodeEnvVars("GOOD=value\nmalformed-no-equals\nALSO_GOOD=1")
	assert.Len(t, decoded, 2)
	assert.Equal(t, "GOOD", decoded[0].Key)
	assert.Equal(t, "ALSO_GOOD", decoded[1].Key)
}

func TestDefaultPoolConfig_MatchesSpecDefaults(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 2, cfg.MinOpen)
	assert.Equal(t, 10, cfg.MaxOpen)
}
