package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S1 — Linear chain, all succeed.
func TestScenario_S1_LinearChainAllSucceed(t *testing.T) {
	a, b := chain(3, 3, true)
	sched, err := New([]Task{a, b}, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		blk, ok, err := sched.AcquireBlock(1)
		require.NoError(t, err)
		require.True(t, ok)
		blk.Status = BlockSuccess
		_, err = sched.ReleaseBlock(blk)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		blk, ok, err := sched.AcquireBlock(2)
		require.NoError(t, err)
		require.True(t, ok)
		blk.Status = BlockSuccess
		_, err = sched.ReleaseBlock(blk)
		require.NoError(t, err)
	}

	states := sched.TaskStates()
	require.Equal(t, 3, states[1].Completed)
	require.Equal(t, 3, states[2].Completed)
	require.Equal(t, 0, states[1].Failed+states[1].Orphaned+states[1].Ready+states[1].Processing)
	require.Equal(t, 0, states[2].Failed+states[2].Orphaned+states[2].Ready+states[2].Processing)
	require.Empty(t, sched.GetReadyTasks())
}

// S2 — Retry then success.
func TestScenario_S2_RetryThenSuccess(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 1, retries: 2}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		blk, ok, err := sched.AcquireBlock(1)
		require.NoError(t, err)
		require.True(t, ok)
		blk.Status = BlockFailed
		_, err = sched.ReleaseBlock(blk)
		require.NoError(t, err)
	}

	blk, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)
	blk.Status = BlockSuccess
	_, err = sched.ReleaseBlock(blk)
	require.NoError(t, err)

	states := sched.TaskStates()
	require.Equal(t, 1, states[1].Completed)
	require.Equal(t, 0, states[1].Failed)
	require.Equal(t, 0, states[1].Orphaned)
}

// S3 — Retry exhausted -> orphans.
func TestScenario_S3_RetryExhaustedOrphans(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 1, retries: 1}
	b := &linearTask{id: 2, numBlocks: 2, requires: []Task{a}, upstream: map[int][]BlockRef{
		0: {{TaskID: 1, BlockID: 0}},
		1: {{TaskID: 1, BlockID: 0}},
	}}
	sched, err := New([]Task{a, b}, false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		blk, ok, err := sched.AcquireBlock(1)
		require.NoError(t, err)
		require.True(t, ok)
		blk.Status = BlockFailed
		_, err = sched.ReleaseBlock(blk)
		require.NoError(t, err)
	}

	states := sched.TaskStates()
	require.Equal(t, 1, states[1].Failed)
	require.Equal(t, 0, states[1].Orphaned)
	require.Equal(t, 2, states[2].Orphaned)
	require.Equal(t, 0, states[2].Completed)
	require.Empty(t, sched.GetReadyTasks())
}

// S4 — count_all_orphans modes.
func TestScenario_S4_CountAllOrphansModes(t *testing.T) {
	build := func(countAll bool) *Scheduler {
		a := &linearTask{id: 1, numBlocks: 1, retries: 0}
		b := &linearTask{id: 2, numBlocks: 1, retries: 0}
		c := &linearTask{id: 3, numBlocks: 1, requires: []Task{a, b}, upstream: map[int][]BlockRef{
			0: {{TaskID: 1, BlockID: 0}, {TaskID: 2, BlockID: 0}},
		}}
		sched, err := New([]Task{a, b, c}, countAll)
		require.NoError(t, err)
		return sched
	}

	failBoth := func(sched *Scheduler) {
		for _, taskID := range []int{1, 2} {
			blk, ok, err := sched.AcquireBlock(taskID)
			require.NoError(t, err)
			require.True(t, ok)
			blk.Status = BlockFailed
			_, err = sched.ReleaseBlock(blk)
			require.NoError(t, err)
		}
	}

	schedFalse := build(false)
	failBoth(schedFalse)
	require.Equal(t, 1, schedFalse.TaskStates()[3].Orphaned)

	schedTrue := build(true)
	failBoth(schedTrue)
	require.Equal(t, 2, schedTrue.TaskStates()[3].Orphaned)
}

// S5 — Precheck skip.
func TestScenario_S5_PrecheckSkip(t *testing.T) {
	calls := map[int]int{}
	a := &linearTask{id: 1, numBlocks: 2, check: func(b Block) bool {
		calls[b.BlockID]++
		return b.BlockID == 0
	}}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	blk, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, blk.BlockID)

	states := sched.TaskStates()
	require.Equal(t, 1, states[1].Completed)
	require.Equal(t, 1, calls[0])
	require.Equal(t, 1, calls[1])
}

// S6 — Precheck exception is non-fatal.
func TestScenario_S6_PrecheckPanicIsNonFatal(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 2, check: func(b Block) bool {
		if b.BlockID == 0 {
			panic("boom")
		}
		return false
	}}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	blk, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, blk.BlockID)
}

func TestAcquireBlock_NoneWhenNothingReady(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 0}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	_, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, sched.TaskStates()[1].IsDone())
}

func TestReleaseBlock_RejectsNonTerminalStatus(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 1}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	blk, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)

	blk.Status = BlockReady
	_, err = sched.ReleaseBlock(blk)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestReleaseBlock_RejectsBlockNotInFlight(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 1}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	_, err = sched.ReleaseBlock(Block{TaskID: 1, BlockID: 0, Status: BlockSuccess})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestRootsRemaining_TracksLazyRootSequence(t *testing.T) {
	a := &linearTask{id: 1, numBlocks: 2}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	require.Equal(t, 2, sched.RootsRemaining(1))
	_, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, sched.RootsRemaining(1))
	require.Equal(t, 0, sched.RootsRemaining(999))
}

func TestGetReadyTasks_OnlyListsTasksWithReadyBlocks(t *testing.T) {
	a, b := chain(1, 1, true)
	sched, err := New([]Task{a, b}, false)
	require.NoError(t, err)

	ready := sched.GetReadyTasks()
	require.Len(t, ready, 1)
	require.Equal(t, 1, ready[0].TaskID())
}

func TestPrecheckMemo_InvokedAtMostOncePerConsecutiveExamination(t *testing.T) {
	calls := 0
	a := &linearTask{id: 1, numBlocks: 1, check: func(Block) bool {
		calls++
		return false
	}}
	sched, err := New([]Task{a}, false)
	require.NoError(t, err)

	blk, ok, err := sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)

	// Memo is invalidated on release, so a second genuine look at the same
	// block (e.g. after a retry re-admits it) still invokes check_function.
	blk.Status = BlockFailed
	a.retries = 1
	_, err = sched.ReleaseBlock(blk)
	require.NoError(t, err)

	_, ok, err = sched.AcquireBlock(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, calls)
}
