// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Execution submission, status, cancel, pause and resume
//   - Checkpoint creation, listing and restore
//   - Workflow history and persisted job runs
//   - Result cache invalidation
//   - Health checks and Prometheus metrics
package http
