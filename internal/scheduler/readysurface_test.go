package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chain(aBlocks, bBlocks int, aligned bool) (*linearTask, *linearTask) {
	a := &linearTask{id: 1, numBlocks: aBlocks}
	up := make(map[int][]BlockRef, bBlocks)
	if aligned {
		for i := 0; i < bBlocks; i++ {
			up[i] = []BlockRef{{TaskID: 1, BlockID: i}}
		}
	} else {
		var all []BlockRef
		for i := 0; i < aBlocks; i++ {
			all = append(all, BlockRef{TaskID: 1, BlockID: i})
		}
		for i := 0; i < bBlocks; i++ {
			up[i] = append([]BlockRef(nil), all...)
		}
	}
	b := &linearTask{id: 2, numBlocks: bBlocks, requires: []Task{a}, upstream: up}
	return a, b
}

func TestReadySurface_MarkSuccess_AdmitsOnlyWhenAllUpstreamsDone(t *testing.T) {
	a, b := chain(2, 1, false) // b0 depends on both a0 and a1
	g, err := NewDependencyGraph([]Task{a, b})
	require.NoError(t, err)
	rs := NewReadySurface(g)

	newly, err := rs.MarkSuccess(BlockRef{TaskID: 1, BlockID: 0})
	require.NoError(t, err)
	require.Empty(t, newly)

	newly, err = rs.MarkSuccess(BlockRef{TaskID: 1, BlockID: 1})
	require.NoError(t, err)
	require.Len(t, newly, 1)
	require.Equal(t, Block{TaskID: 2, BlockID: 0, Status: BlockReady}, newly[0])
}

func TestReadySurface_MarkSuccess_RejectsAlreadyFailedBlock(t *testing.T) {
	a, _ := chain(1, 1, true)
	g, err := NewDependencyGraph([]Task{a})
	require.NoError(t, err)
	rs := NewReadySurface(g)

	ref := BlockRef{TaskID: 1, BlockID: 0}
	rs.MarkFailure(ref, false)

	_, err = rs.MarkSuccess(ref)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestReadySurface_MarkFailure_OrphansTransitiveDownstream(t *testing.T) {
	a, b := chain(1, 2, false) // both b0,b1 depend on a0
	g, err := NewDependencyGraph([]Task{a, b})
	require.NoError(t, err)
	rs := NewReadySurface(g)

	events := rs.MarkFailure(BlockRef{TaskID: 1, BlockID: 0}, false)
	require.Len(t, events, 2)
	require.True(t, rs.IsOrphaned(BlockRef{TaskID: 2, BlockID: 0}))
	require.True(t, rs.IsOrphaned(BlockRef{TaskID: 2, BlockID: 1}))
}

func TestReadySurface_MarkFailure_CountAllOrphansModes(t *testing.T) {
	// Diamond: a0 and b0 are both upstream of c0.
	a := &linearTask{id: 1, numBlocks: 1}
	b := &linearTask{id: 2, numBlocks: 1}
	c := &linearTask{id: 3, numBlocks: 1, requires: []Task{a, b}, upstream: map[int][]BlockRef{
		0: {{TaskID: 1, BlockID: 0}, {TaskID: 2, BlockID: 0}},
	}}
	g, err := NewDependencyGraph([]Task{a, b, c})
	require.NoError(t, err)

	t.Run("count_all_orphans=false", func(t *testing.T) {
		rs := NewReadySurface(g)
		e1 := rs.MarkFailure(BlockRef{TaskID: 1, BlockID: 0}, false)
		e2 := rs.MarkFailure(BlockRef{TaskID: 2, BlockID: 0}, false)
		require.Len(t, e1, 1)
		require.Empty(t, e2)
	})

	t.Run("count_all_orphans=true", func(t *testing.T) {
		rs := NewReadySurface(g)
		e1 := rs.MarkFailure(BlockRef{TaskID: 1, BlockID: 0}, true)
		e2 := rs.MarkFailure(BlockRef{TaskID: 2, BlockID: 0}, true)
		require.Len(t, e1, 1)
		require.Len(t, e2, 1)
	})
}
