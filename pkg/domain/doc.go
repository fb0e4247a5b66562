// Package domain defines the data model shared by the orchestrator and its adapters.
//
// Core types:
//   - JobSpec: immutable definition of a unit of work and its dependencies
//   - JobRun: mutable execution record of one JobSpec within one Execution
//   - Execution: one DAG run and the JobRuns it owns
//   - CacheEntry, Lock, Checkpoint: records kept by the backing stores
//   - Event: notifications published on the event bus
//
// Errors are exposed as sentinels (ErrValidation, ErrConfiguration, ...) wrapped by
// ValidationError and JobError so callers can use errors.Is and errors.As.
package domain
