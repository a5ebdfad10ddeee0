package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := newBranch(t, 2)
	Mutate(c, weightTag, func(w *int) { *w = 155 })
	Mutate(c, animalTag, func(a *animal) { a.Legs = 6 })
	Mutate(c, animalTag, func(a *animal) { a.Name = "Beetle" })

	entries, err := c.Snapshot()
	require.NoError(t, err)
	require.Len(t, entries, 7)
	assert.Equal(t, "Age", entries[0].Tag)
	assert.False(t, entries[0].Mutable)
	assert.Equal(t, "Animal", entries[2].Tag)
	assert.True(t, entries[2].Mutable)
	assert.Equal(t, uint64(2), entries[2].Generation)

	restored, err := Restore(topo, 2, entries)
	require.NoError(t, err)

	assert.Equal(t, 2, restored.MyProc())
	assert.Equal(t, "Nobody", Get(restored, nameTag))
	assert.Equal(t, 178, Get(restored, ageTag))
	assert.Equal(t, 155, Get(restored, weightTag))
	assert.Equal(t, animal{Name: "Beetle", Legs: 6}, Get(restored, animalTag))
	assert.Equal(t, uint64(2), restored.Generation("Animal"))
	assert.Equal(t, uint64(1), restored.Generation("Weight"))

	// Restored entries keep working as mutable entries.
	Mutate(restored, weightTag, func(w *int) { *w++ })
	assert.Equal(t, 156, Get(restored, weightTag))
	assert.Equal(t, uint64(2), restored.Generation("Weight"))
}
