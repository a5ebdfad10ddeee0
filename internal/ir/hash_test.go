package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestDigestStable(t *testing.T) {
	a := map[string]any{
		"phase":      PhaseWriteCheckpoint,
		"counter":    3,
		"components": map[string]int{"Array": 46, "Singleton": 1},
	}
	b := map[string]any{
		"components": map[string]int{"Singleton": 1, "Array": 46},
		"counter":    3,
		"phase":      PhaseWriteCheckpoint,
	}

	da, err := ManifestDigest(a)
	require.NoError(t, err)
	db, err := ManifestDigest(b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.Len(t, da, 64)
}

func TestManifestDigestChangesWithContent(t *testing.T) {
	da, err := ManifestDigest(map[string]any{"counter": 1})
	require.NoError(t, err)
	db, err := ManifestDigest(map[string]any{"counter": 2})
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"counter":1}`)
	assert.NotEqual(t, hashWithDomain("a", data), hashWithDomain("b", data))
}

func TestManifestDigestRejectsFloats(t *testing.T) {
	_, err := ManifestDigest(map[string]any{"wallclock": 1.5})
	require.Error(t, err)
}
