// Package blockgraph is the block-geometry collaborator the scheduler
// package treats as external: it turns a declarative list of task
// specifications into concrete scheduler.Task/scheduler.BlockSource values.
package blockgraph

import (
	"fmt"
	"sort"

	"blockscheduler/internal/scheduler"
)

// Pattern selects how a task's blocks depend on one required upstream
// task's blocks.
type Pattern string

const (
	// PatternAligned pairs block i of the declaring task with block i of
	// the upstream task. The two tasks must have equal block counts.
	PatternAligned Pattern = "aligned"
	// PatternBroadcast makes every block of the declaring task depend on
	// every block of the upstream task.
	PatternBroadcast Pattern = "broadcast"
)

// Dependency names one upstream task and the pattern joining its blocks to
// the declaring task's blocks. An empty Pattern defaults to PatternAligned.
type Dependency struct {
	Upstream string
	Pattern  Pattern
}

// TaskSpec is the declarative description of one task's block geometry.
type TaskSpec struct {
	Name          string
	Blocks        int
	MaxRetries    int
	Requires      []Dependency
	CheckFunction scheduler.CheckFunc
}

// Generate validates specs and builds the corresponding scheduler.Task
// values, wired with the upstream adjacency scheduler.NewDependencyGraph
// needs via scheduler.BlockSource.
//
// Task ids are assigned deterministically: lexicographic by name, starting
// at 1. Rejects empty/duplicate names, negative block counts, unknown or
// self-referential Requires, and aligned-pattern mismatches in block count.
// Cycle rejection itself is left to scheduler.NewDependencyGraph.
func Generate(specs []TaskSpec) ([]scheduler.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("blockgraph: no task specs")
	}

	byName := make(map[string]*TaskSpec, len(specs))
	names := make([]string, 0, len(specs))
	for i := range specs {
		s := &specs[i]
		if s.Name == "" {
			return nil, fmt.Errorf("blockgraph: task name is required")
		}
		if _, exists := byName[s.Name]; exists {
			return nil, fmt.Errorf("blockgraph: duplicate task name %q", s.Name)
		}
		if s.Blocks < 0 {
			return nil, fmt.Errorf("blockgraph: task %q: negative block count", s.Name)
		}
		byName[s.Name] = s
		names = append(names, s.Name)
	}
	sort.Strings(names)

	nodes := make(map[string]*blockTask, len(names))
	for i, name := range names {
		nodes[name] = &blockTask{id: i + 1, spec: byName[name]}
	}

	for _, name := range names {
		spec := byName[name]
		node := nodes[name]
		for _, dep := range spec.Requires {
			upNode, ok := nodes[dep.Upstream]
			if !ok {
				return nil, fmt.Errorf("blockgraph: task %q requires unknown task %q", name, dep.Upstream)
			}
			if upNode == node {
				return nil, fmt.Errorf("blockgraph: task %q cannot require itself", name)
			}
			pattern := dep.Pattern
			if pattern == "" {
				pattern = PatternAligned
			}
			if pattern != PatternAligned && pattern != PatternBroadcast {
				return nil, fmt.Errorf("blockgraph: task %q: unknown pattern %q", name, pattern)
			}
			if pattern == PatternAligned && upNode.spec.Blocks != spec.Blocks {
				return nil, fmt.Errorf("blockgraph: task %q uses aligned pattern against %q but block counts differ (%d vs %d)",
					name, dep.Upstream, spec.Blocks, upNode.spec.Blocks)
			}
			node.requires = append(node.requires, upNode)
			node.deps = append(node.deps, resolvedDep{node: upNode, pattern: pattern})
		}
	}

	tasks := make([]scheduler.Task, 0, len(names))
	for _, name := range names {
		tasks = append(tasks, nodes[name])
	}
	return tasks, nil
}

type resolvedDep struct {
	node    *blockTask
	pattern Pattern
}

// blockTask adapts a declarative TaskSpec into scheduler.Task and
// scheduler.BlockSource.
type blockTask struct {
	id       int
	spec     *TaskSpec
	requires []*blockTask
	deps     []resolvedDep
}

func (t *blockTask) TaskID() int                        { return t.id }
func (t *blockTask) MaxRetries() int                    { return t.spec.MaxRetries }
func (t *blockTask) CheckFunction() scheduler.CheckFunc { return t.spec.CheckFunction }

func (t *blockTask) Requires() []scheduler.Task {
	out := make([]scheduler.Task, len(t.requires))
	for i, r := range t.requires {
		out[i] = r
	}
	return out
}

func (t *blockTask) NumBlocks() int { return t.spec.Blocks }

func (t *blockTask) UpstreamOf(blockID int) []scheduler.BlockRef {
	var refs []scheduler.BlockRef
	for _, dep := range t.deps {
		switch dep.pattern {
		case PatternBroadcast:
			for b := 0; b < dep.node.spec.Blocks; b++ {
				refs = append(refs, scheduler.BlockRef{TaskID: dep.node.id, BlockID: b})
			}
		default: // PatternAligned
			refs = append(refs, scheduler.BlockRef{TaskID: dep.node.id, BlockID: blockID})
		}
	}
	return refs
}

// Name returns the declaring task's configured name, useful for logging and
// metrics labels once Generate has erased the string keys into int ids.
func (t *blockTask) Name() string { return t.spec.Name }

// Named is implemented by every scheduler.Task Generate produces. Callers
// that only hold a scheduler.Task (e.g. from Scheduler.GetReadyTasks) can
// type-assert to it to recover the configured name for logging or metrics.
type Named interface {
	Name() string
}
