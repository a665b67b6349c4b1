// Package dag models the pipeline's stage graph and executes it.
//
// It is split into:
//   - Immutable graph definition (StageGraph): stages + dependency edges + stable GraphHash
//   - Mutable execution state (ExecutionState): per-run stage states
//   - Executor: serial or depth-staged parallel dispatch to a StageRunner
//
// The graph is validated on construction. A cyclic or otherwise malformed
// declaration is rejected before any stage can run, so a configuration error
// never turns into a half-executed pipeline.
package dag
