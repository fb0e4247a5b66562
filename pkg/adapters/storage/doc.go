// Package storage provides state and checkpoint storage implementations.
//
// Implementations:
//   - redis: Redis hashes, sets and Lua scripts with TTL (default)
//   - etcd: etcd key space for checkpoints only
//   - memory: In-memory for testing and single-process use
package storage
