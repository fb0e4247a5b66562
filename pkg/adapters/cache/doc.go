// Package cache provides backing stores for the job result cache.
//
// Implementations:
//   - redis: one hash per entry with atomic access bookkeeping and optional TTL
//   - memory: In-memory for testing
package cache
