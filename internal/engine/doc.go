// Package engine executes compiled plans in process.
//
// The engine exists to check that a plan means what its logical graph
// means: the harness runs the same flow optimized and unoptimized, with
// broadcast and shuffle joins, and compares the outputs. It is not a
// distributed runtime.
//
// EXECUTION MODEL:
//
// A run walks the stage graph in order. Each stage is split into a fixed
// number of partitions that run as parallel tasks under an errgroup. Inside
// a task, fused units run one record at a time through their chain; every
// other operator reads its whole partition of input.
//
// Channels decide what a task sees:
//   - direct: external input records, spread round-robin
//   - shuffle: records hashed (xxhash over the canonical key values) to the
//     partition owning their key, sorted by key and order
//   - barrier: the producer's partitions, index for index
//   - broadcast: the full dataset, handed to every task as side data
//
// Keyed operators group their partition by key and sort each group by the
// declared order, falling back to canonical record order so results never
// depend on scheduling. External outputs are sorted canonically.
//
// User code plugs in through a Registry keyed by implementation reference.
// The registry also serves as the compiler's catalog, so a plan that
// compiles against it can be run.
//
// Runs are stamped by a logical Clock and identified by a RunIDGenerator
// (UUIDv7 in production, fixed ids in tests).
package engine
