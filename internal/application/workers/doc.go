// Package workers implements the worker pool that runs submitted executions.
//
// Submit validates a job set and publishes an execution request on the
// execution.requests topic. Every instance subscribes once and feeds a bounded
// queue drained by a fixed number of goroutines that:
//   - Claim the request with a state store lock so one worker runs it
//   - Skip requests whose execution already exists in the state store
//   - Run the job set through the scheduler under the requested id
//
// The health monitor tracks worker status and state store reachability,
// records metrics and reports health transitions to a callback.
package workers
