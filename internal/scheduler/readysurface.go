package scheduler

// ReadySurface is the source of truth for which blocks are eligible to
// run. It tracks which blocks have completed, which have failed or been
// orphaned, and a reverse counter per not-yet-ready block: how many of its
// upstreams remain unsatisfied.
type ReadySurface struct {
	graph *DependencyGraph

	completed map[BlockRef]bool
	// failedOrOrphaned is the superset used to gate double-success and to
	// seed orphan-propagation reachability checks.
	failedOrOrphaned map[BlockRef]bool

	unsatisfied map[BlockRef]int // lazily initialized from graph.Upstream
}

// NewReadySurface builds a ReadySurface over the given graph.
func NewReadySurface(graph *DependencyGraph) *ReadySurface {
	return &ReadySurface{
		graph:            graph,
		completed:        make(map[BlockRef]bool),
		failedOrOrphaned: make(map[BlockRef]bool),
		unsatisfied:      make(map[BlockRef]int),
	}
}

func (rs *ReadySurface) unsatisfiedCount(ref BlockRef) int {
	if n, ok := rs.unsatisfied[ref]; ok {
		return n
	}
	n := len(rs.graph.Upstream(ref))
	rs.unsatisfied[ref] = n
	return n
}

// MarkSuccess records ref as satisfied and returns the downstream blocks
// whose unsatisfied-upstream count just reached zero.
//
// Marking a block successful that was previously marked failed or orphaned
// is an invariant violation.
func (rs *ReadySurface) MarkSuccess(ref BlockRef) ([]Block, error) {
	if rs.failedOrOrphaned[ref] {
		return nil, invariantErrorf("cannot mark %s successful: already failed or orphaned", ref)
	}
	rs.completed[ref] = true

	var newlyReady []Block
	for _, d := range rs.graph.Downstream(ref) {
		if rs.failedOrOrphaned[d] || rs.completed[d] {
			continue
		}
		n := rs.unsatisfiedCount(d) - 1
		rs.unsatisfied[d] = n
		if n == 0 {
			newlyReady = append(newlyReady, Block{TaskID: d.TaskID, BlockID: d.BlockID, Status: BlockReady})
		}
	}
	return newlyReady, nil
}

// MarkFailure records ref as failed and returns the downstream blocks that
// become orphaned as a result — one BlockRef per orphaning event, so the
// caller can both count and attribute them to the correct task.
//
// Orphaning propagates transitively through the full downstream closure of
// ref: every descendant is affected regardless of whether it has other,
// still-pending upstreams. With countAllOrphans false, each descendant
// appears at most once across the ReadySurface's lifetime (the first
// failure to reach it "wins" the event). With countAllOrphans true, every
// descendant in ref's closure appears in the returned slice on every call
// that reaches it, even ones a previous failure already orphaned —
// attributing the orphaning relation to each contributing failure
// independently.
func (rs *ReadySurface) MarkFailure(ref BlockRef, countAllOrphans bool) []BlockRef {
	rs.failedOrOrphaned[ref] = true

	closure := rs.downstreamClosure(ref)

	var events []BlockRef
	for _, d := range closure {
		alreadyOrphaned := rs.failedOrOrphaned[d]
		rs.failedOrOrphaned[d] = true
		if countAllOrphans || !alreadyOrphaned {
			events = append(events, d)
		}
	}
	return events
}

// downstreamClosure returns every block transitively reachable from ref via
// downstream edges, deduplicated, excluding ref itself.
func (rs *ReadySurface) downstreamClosure(ref BlockRef) []BlockRef {
	visited := map[BlockRef]bool{ref: true}
	var out []BlockRef
	queue := []BlockRef{ref}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range rs.graph.Downstream(cur) {
			if visited[d] {
				continue
			}
			visited[d] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out
}

// IsOrphaned reports whether ref has been orphaned or is itself the failed
// block that seeded an orphaning pass.
func (rs *ReadySurface) IsOrphaned(ref BlockRef) bool {
	return rs.failedOrOrphaned[ref]
}
