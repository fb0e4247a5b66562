// Package orchestrator implements the core orchestration logic for job DAG execution.
//
// The scheduler coordinates execution by:
//   - Validating the job graph and computing its layers
//   - Running each layer with bounded parallelism, absorbing fan-out jobs
//   - Applying conditions, the result cache, retries and timeouts per job
//   - Serializing each job across instances with a state store lock
//   - Pausing, resuming, cancelling and checkpointing executions
//
// The validator ensures job sets are well-formed with no cycles and valid dependencies.
package orchestrator
