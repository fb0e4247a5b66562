// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups. Consumers sharing a group
//     split the stream between them; a unique group per process receives every event.
//   - memory: In-process fan-out for tests and single-process deployments
package events
