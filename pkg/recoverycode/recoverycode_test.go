package recoverycode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormat(t *testing.T) {
	code, err := Generate()
	require.NoError(t, err)

	parts := strings.Split(code, "-")
	require.Len(t, parts, 2)
	for _, part := range parts {
		assert.Len(t, part, SegmentLength)
		for _, r := range part {
			assert.Contains(t, alphanum, string(r))
		}
	}
}

func TestGenerateIsRandom(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGeneratePool(t *testing.T) {
	pool, err := GeneratePool()
	require.NoError(t, err)
	require.Len(t, pool, PoolSize)

	seen := make(map[string]bool)
	for _, code := range pool {
		assert.False(t, seen[code], "pool contains duplicate code %s", code)
		seen[code] = true
	}
}
