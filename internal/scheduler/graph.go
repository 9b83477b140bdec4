package scheduler

import (
	"container/heap"
	"sort"
)

// BlockSource is implemented by Task values that also expose their own
// block-level geometry: how many blocks the task has, and which upstream
// blocks (in this task or any other) each of its blocks depends on.
//
// DependencyGraph requires every Task it is given to also satisfy
// BlockSource. This is the seam through which the external block-geometry
// collaborator (blockgraph.Generator, or any other domain-specific tiler)
// plugs into the scheduler nucleus without the nucleus knowing anything
// about spatial or logical tiling.
type BlockSource interface {
	NumBlocks() int
	UpstreamOf(blockID int) []BlockRef
}

// DependencyGraph is a persistent, validated block->block edge set built
// from a closed set of Tasks.
//
// It answers Upstream/Downstream in O(fan) by adjacency list, NumBlocks in
// O(1), and Roots in O(blocks) — computed once at construction.
type DependencyGraph struct {
	numBlocks map[int]int // task_id -> block count

	upstream   map[BlockRef][]BlockRef
	downstream map[BlockRef][]BlockRef

	rootsByTask map[int][]BlockRef // canonical order, per task
}

// NewDependencyGraph builds and validates a DependencyGraph from a closed
// set of Tasks (every Task reachable via Requires() must already be
// present in tasks).
//
// Construction fails with a ConfigurationError-kind error if: a task does
// not also implement BlockSource, a task id is duplicated, an upstream
// edge references an unknown task/block, or the resulting graph contains a
// cycle (direct or indirect).
func NewDependencyGraph(tasks []Task) (*DependencyGraph, error) {
	numBlocks := make(map[int]int, len(tasks))
	sources := make(map[int]BlockSource, len(tasks))

	for _, t := range tasks {
		if _, dup := numBlocks[t.TaskID()]; dup {
			return nil, configErrorf("duplicate task id: %d", t.TaskID())
		}
		src, ok := t.(BlockSource)
		if !ok {
			return nil, configErrorf("task %d does not expose block geometry (BlockSource)", t.TaskID())
		}
		n := src.NumBlocks()
		if n < 0 {
			return nil, configErrorf("task %d has negative block count", t.TaskID())
		}
		if t.MaxRetries() < 0 {
			return nil, configErrorf("task %d has negative max_retries", t.TaskID())
		}
		numBlocks[t.TaskID()] = n
		sources[t.TaskID()] = src
	}

	upstream := make(map[BlockRef][]BlockRef)
	downstream := make(map[BlockRef][]BlockRef)

	var allRefs []BlockRef
	for taskID, n := range numBlocks {
		for b := 0; b < n; b++ {
			allRefs = append(allRefs, BlockRef{TaskID: taskID, BlockID: b})
		}
	}
	sort.Slice(allRefs, func(i, j int) bool { return lessRef(allRefs[i], allRefs[j]) })

	for _, ref := range allRefs {
		ups := sources[ref.TaskID].UpstreamOf(ref.BlockID)
		for _, up := range ups {
			n, known := numBlocks[up.TaskID]
			if !known || up.BlockID < 0 || up.BlockID >= n {
				return nil, configErrorf("block %s depends on unknown block %s", ref, up)
			}
			upstream[ref] = append(upstream[ref], up)
			downstream[up] = append(downstream[up], ref)
		}
	}
	for ref := range upstream {
		sort.Slice(upstream[ref], func(i, j int) bool { return lessRef(upstream[ref][i], upstream[ref][j]) })
	}
	for ref := range downstream {
		sort.Slice(downstream[ref], func(i, j int) bool { return lessRef(downstream[ref][i], downstream[ref][j]) })
	}

	g := &DependencyGraph{
		numBlocks:  numBlocks,
		upstream:   upstream,
		downstream: downstream,
	}

	if err := g.validateAcyclic(allRefs); err != nil {
		return nil, err
	}

	g.rootsByTask = make(map[int][]BlockRef, len(numBlocks))
	for _, ref := range allRefs {
		if len(upstream[ref]) == 0 {
			g.rootsByTask[ref.TaskID] = append(g.rootsByTask[ref.TaskID], ref)
		}
	}

	return g, nil
}

func lessRef(a, b BlockRef) bool {
	if a.TaskID != b.TaskID {
		return a.TaskID < b.TaskID
	}
	return a.BlockID < b.BlockID
}

// Upstream returns the blocks that must succeed before ref may run.
func (g *DependencyGraph) Upstream(ref BlockRef) []BlockRef {
	return append([]BlockRef(nil), g.upstream[ref]...)
}

// Downstream returns the blocks that depend directly on ref.
func (g *DependencyGraph) Downstream(ref BlockRef) []BlockRef {
	return append([]BlockRef(nil), g.downstream[ref]...)
}

// NumBlocks returns the exact block count for taskID, or 0 if unknown.
func (g *DependencyGraph) NumBlocks(taskID int) int {
	return g.numBlocks[taskID]
}

// Roots returns, per task, the root block count and a one-shot lazy
// sequence that yields exactly that many blocks.
func (g *DependencyGraph) Roots() map[int]RootSet {
	out := make(map[int]RootSet, len(g.rootsByTask))
	for taskID, refs := range g.rootsByTask {
		out[taskID] = RootSet{
			Count: len(refs),
			Seq:   newRootIterator(refs),
		}
	}
	// Tasks with zero blocks have no roots entry and must not appear here;
	// tasks with blocks but no root (every block has an upstream, e.g. a
	// downstream task whose blocks all depend on another task's blocks)
	// still get an explicit empty entry so callers can distinguish
	// "no roots" from "unknown task".
	for taskID, n := range g.numBlocks {
		if n == 0 {
			continue
		}
		if _, ok := out[taskID]; !ok {
			out[taskID] = RootSet{Count: 0, Seq: newRootIterator(nil)}
		}
	}
	return out
}

// RootSet is the per-task root count paired with its one-shot sequence.
type RootSet struct {
	Count int
	Seq   *RootIterator
}

// validateAcyclic proves the graph has no cycle using Kahn's algorithm over
// a deterministic min-heap ordering, mirroring the canonical-index
// technique used for task-level graphs elsewhere in this codebase family,
// generalized to BlockRef keys.
func (g *DependencyGraph) validateAcyclic(allRefs []BlockRef) error {
	indexOf := make(map[BlockRef]int, len(allRefs))
	for i, ref := range allRefs {
		indexOf[ref] = i
	}

	indeg := make([]int, len(allRefs))
	outByIdx := make([][]int, len(allRefs))
	for i, ref := range allRefs {
		for _, up := range g.upstream[ref] {
			outByIdx[indexOf[up]] = append(outByIdx[indexOf[up]], i)
			indeg[i]++
		}
	}
	for i := range outByIdx {
		sort.Ints(outByIdx[i])
	}

	degree := append([]int(nil), indeg...)
	ready := &intMinHeap{}
	heap.Init(ready)
	for i, d := range degree {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	visitedCount := 0
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		visitedCount++
		for _, v := range outByIdx[u] {
			degree[v]--
			if degree[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}

	if visitedCount == len(allRefs) {
		return nil
	}

	cyclePath := findCycleDeterministic(allRefs, outByIdx)
	return configErrorf("cycle detected: %s", formatCycle(cyclePath))
}

type intMinHeap []int

func (h intMinHeap) Len() int            { return len(h) }
func (h intMinHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)         { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// findCycleDeterministic runs a deterministic DFS to extract one witness
// cycle, purely for error reporting.
func findCycleDeterministic(allRefs []BlockRef, outByIdx [][]int) []BlockRef {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(allRefs))
	parent := make([]int, len(allRefs))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outByIdx[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cycle = append(cycle, v)
				cur := u
				for cur != -1 && cur != v {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range allRefs {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]BlockRef, len(cycle))
	for i, idx := range cycle {
		out[len(cycle)-1-i] = allRefs[idx]
	}
	return out
}

func formatCycle(path []BlockRef) string {
	s := ""
	for i, ref := range path {
		if i > 0 {
			s += " -> "
		}
		s += ref.String()
	}
	return s
}
