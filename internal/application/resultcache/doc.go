// Package resultcache implements the content-addressable job result cache.
//
// A job's cache key is derived from its kind, its config, the outputs of the
// jobs it depends on and a code version tag. The cache is best-effort: backend
// failures are logged and reported as misses, never as job failures.
package resultcache
