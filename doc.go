// Package tinyflux is an embedded, single-process time-series datastore.
//
// It accepts append-only writes in constant time regardless of dataset size, evaluates predicate queries over four
// orthogonal point attributes (time, measurement, tags, fields), and accelerates those queries with an in-memory
// index that is rebuilt lazily on the first read after an out-of-order write invalidates it, and rebuilt at once
// after every bulk rewrite (update or remove).
//
// The engine is single-threaded cooperative: every public call runs to completion before another may begin. Callers
// wanting concurrent access must wrap the engine in their own mutual exclusion.
package tinyflux
