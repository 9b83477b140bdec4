package scheduler

// ProcessingQueue holds one task's FIFO of ready-but-unissued blocks, its
// in-flight set, its per-block retry counters, and the lazy root iterator
// installed at Scheduler construction.
type ProcessingQueue struct {
	taskID int

	readyQueue       []Block
	processingBlocks map[int]bool
	blockRetries     map[int]int

	rootSeq *RootIterator
}

func newProcessingQueue(taskID int, rootSeq *RootIterator) *ProcessingQueue {
	return &ProcessingQueue{
		taskID:           taskID,
		processingBlocks: make(map[int]bool),
		blockRetries:     make(map[int]int),
		rootSeq:          rootSeq,
	}
}

// HasNext reports whether a ready block remains: either already queued, or
// still to be drawn from the lazy root sequence.
func (q *ProcessingQueue) HasNext() bool {
	return len(q.readyQueue) > 0 || q.rootSeq.HasNext()
}

// GetNext pops the next ready block, preferring the queue over the root
// sequence so that admitted-downstream blocks and retried blocks are not
// starved by a long run of roots.
//
// Returns ExhaustedRootsError if HasNext previously reported true but
// neither source can actually produce a block — a DependencyGraph bug, not
// a caller bug.
func (q *ProcessingQueue) GetNext() (Block, error) {
	if len(q.readyQueue) > 0 {
		b := q.readyQueue[0]
		q.readyQueue = q.readyQueue[1:]
		return b, nil
	}
	if q.rootSeq.HasNext() {
		ref := q.rootSeq.Next()
		return Block{TaskID: ref.TaskID, BlockID: ref.BlockID, Status: BlockReady}, nil
	}
	return Block{}, exhaustedRootsErrorf("task %d: HasNext was true but no block was available", q.taskID)
}

// QueueReadyBlock admits block to the ready queue. index < 0 appends to
// the tail (the default, and the only mode the Scheduler itself currently
// uses); a non-negative index inserts at that position, preserving the
// ability to prioritize a block's retry latency without the Scheduler
// needing to change how it calls this method.
//
// Admitting a block whose id is still marked in-flight is a programmer
// error and returns an InvariantError-kind error.
func (q *ProcessingQueue) QueueReadyBlock(b Block, index int) error {
	if q.processingBlocks[b.BlockID] {
		return invariantErrorf("task %d: cannot admit block %d while still processing", q.taskID, b.BlockID)
	}
	b.Status = BlockReady
	if index < 0 || index >= len(q.readyQueue) {
		q.readyQueue = append(q.readyQueue, b)
		return nil
	}
	q.readyQueue = append(q.readyQueue, Block{})
	copy(q.readyQueue[index+1:], q.readyQueue[index:])
	q.readyQueue[index] = b
	return nil
}

// MarkProcessing moves blockID into the in-flight set.
func (q *ProcessingQueue) MarkProcessing(blockID int) {
	q.processingBlocks[blockID] = true
}

// RemoveProcessing removes blockID from the in-flight set. Returns an
// InvariantError-kind error if blockID was not in flight.
func (q *ProcessingQueue) RemoveProcessing(blockID int) error {
	if !q.processingBlocks[blockID] {
		return invariantErrorf("task %d: block %d was not in processing set", q.taskID, blockID)
	}
	delete(q.processingBlocks, blockID)
	return nil
}

// RetryCount returns the number of times blockID has been released FAILED
// and re-admitted.
func (q *ProcessingQueue) RetryCount(blockID int) int {
	return q.blockRetries[blockID]
}

// RootsRemaining reports how many roots this task's lazy root sequence has
// not yet yielded, for diagnosing whether a drained ready queue reflects a
// genuinely idle task or one still waiting on its own root sequence.
func (q *ProcessingQueue) RootsRemaining() int {
	return q.rootSeq.Remaining()
}

// IncrementRetry bumps blockID's retry counter.
func (q *ProcessingQueue) IncrementRetry(blockID int) {
	q.blockRetries[blockID]++
}
