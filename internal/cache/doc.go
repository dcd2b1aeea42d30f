// Package cache implements the two-tier prompt cache used by the
// enhancement middleware: an in-process exact-match LRU tier backed by a
// vector-similarity tier in an external store. The second tier is
// best-effort; when the store is unreachable the cache degrades to
// exact matching only.
package cache
