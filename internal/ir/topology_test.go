package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyQueries(t *testing.T) {
	topo := Topology{Nodes: 2, ProcsPerNode: 3}

	require.NoError(t, topo.Validate())
	assert.Equal(t, 6, topo.NumberOfProcs())
	assert.Equal(t, 0, topo.NodeOf(2))
	assert.Equal(t, 1, topo.NodeOf(3))
	assert.Equal(t, 3, topo.FirstProcOnNode(1))
	assert.Equal(t, 3, topo.ProcsOnNode(1))
	assert.Equal(t, 2, topo.LocalRankOf(5))
	assert.Equal(t, "2x3", topo.String())
}

func TestTopologyValidate(t *testing.T) {
	err := Topology{Nodes: 0, ProcsPerNode: 1}.Validate()
	require.Error(t, err)
	assert.True(t, IsUserError(err))

	err = Topology{Nodes: 1, ProcsPerNode: 0}.Validate()
	require.Error(t, err)
}

func TestComponentKindRoundTrip(t *testing.T) {
	for _, k := range []ComponentKind{KindSingleton, KindArray, KindGroup, KindNodeGroup} {
		parsed, err := ParseComponentKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseComponentKind("Chare")
	assert.Error(t, err)
}
