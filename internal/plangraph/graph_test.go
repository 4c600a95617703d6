package plangraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_UnknownPrerequisiteFails(t *testing.T) {
	_, err := Build([]Node{
		{ID: "a"},
		{ID: "b", Requires: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuild_DuplicateIDFails(t *testing.T) {
	_, err := Build([]Node{{ID: "a"}, {ID: "a"}})
	require.Error(t, err)
}

func TestValidate_AcyclicGraph(t *testing.T) {
	g, err := Build([]Node{
		{ID: "a"},
		{ID: "b", Requires: []string{"a"}},
		{ID: "c", Requires: []string{"a", "b"}},
	})
	require.NoError(t, err)
	ok, cycle := g.Validate()
	assert.True(t, ok)
	assert.Empty(t, cycle)
}

func TestValidate_DetectsCycle(t *testing.T) {
	g, err := Build([]Node{
		{ID: "a", Requires: []string{"c"}},
		{ID: "b", Requires: []string{"a"}},
		{ID: "c", Requires: []string{"b"}},
	})
	require.NoError(t, err)
	ok, cycle := g.Validate()
	assert.False(t, ok)
	assert.Len(t, cycle, 3)
}

func TestRepairCycles_SimpleTriangle(t *testing.T) {
	// A -> B -> C -> A must become acyclic with a deterministic order.
	g, err := Build([]Node{
		{ID: "A", Requires: []string{"C"}},
		{ID: "B", Requires: []string{"A"}},
		{ID: "C", Requires: []string{"B"}},
	})
	require.NoError(t, err)

	removed := g.RepairCycles()
	require.Len(t, removed, 1)

	ok, _ := g.Validate()
	require.True(t, ok)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Len(t, order, 3)

	// Repeated ordering of the unchanged graph is identical.
	again, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, order, again)
}

func TestRepairCycles_RemovesLowestConfidenceEdge(t *testing.T) {
	conf := func(from, to string) float64 {
		if from == "C" && to == "A" {
			return 0.2
		}
		return 0.9
	}
	g, err := BuildWithConfidence([]Node{
		{ID: "A", Requires: []string{"C"}},
		{ID: "B", Requires: []string{"A"}},
		{ID: "C", Requires: []string{"B"}},
	}, conf)
	require.NoError(t, err)

	removed := g.RepairCycles()
	require.Len(t, removed, 1)
	assert.Equal(t, "C", removed[0].From)
	assert.Equal(t, "A", removed[0].To)
}

func TestRepairCycles_TieBreaksOnMostRecentEdge(t *testing.T) {
	// Equal confidence everywhere: the most recently added edge in the
	// cycle goes. Insertion order follows unit declaration order, so the
	// C->A edge (declared first, on unit A) is oldest and the B->C edge
	// (declared last, on unit C) is newest.
	g, err := Build([]Node{
		{ID: "A", Requires: []string{"C"}},
		{ID: "B", Requires: []string{"A"}},
		{ID: "C", Requires: []string{"B"}},
	})
	require.NoError(t, err)

	removed := g.RepairCycles()
	require.Len(t, removed, 1)
	assert.Equal(t, "B", removed[0].From)
	assert.Equal(t, "C", removed[0].To)
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	units := []Node{
		{ID: "root"},
		{ID: "m", Requires: []string{"root"}},
		{ID: "k", Requires: []string{"root"}},
		{ID: "z", Requires: []string{"root"}},
		{ID: "end", Requires: []string{"m", "k", "z"}},
	}
	var first []string
	for i := 0; i < 10; i++ {
		g, err := Build(units)
		require.NoError(t, err)
		order, err := g.TopologicalOrder()
		require.NoError(t, err)
		if i == 0 {
			first = order
			// Siblings come out sorted by ID.
			assert.Equal(t, []string{"root", "k", "m", "z", "end"}, order)
			continue
		}
		assert.Equal(t, first, order)
	}
}

func TestTopologicalOrder_CycleIsError(t *testing.T) {
	g, err := Build([]Node{
		{ID: "a", Requires: []string{"b"}},
		{ID: "b", Requires: []string{"a"}},
	})
	require.NoError(t, err)
	_, err = g.TopologicalOrder()
	require.Error(t, err)
}
