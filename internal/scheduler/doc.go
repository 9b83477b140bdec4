// Package scheduler implements the block-level dependency scheduler nucleus:
// a dependency graph over blocks, the ready surface derived from it, a
// per-task processing queue, per-task aggregate state, and the Scheduler
// that composes them into acquire/release semantics.
//
// The package does not execute work. It hands out Blocks that are safe to
// run and absorbs terminal status on release; the caller owns concurrency,
// worker dispatch, and I/O.
package scheduler
