// Package cache defines the durable Cache Store: a SQLite index mapping a
// Request Key to its download outcome, plus the artifact tree laid out as
// StoragePath/<key>/<file>. Only terminal outcomes (ready, failed) are
// persisted; a key without a row is absent. Mutations of one key are serialized
// by a per-key lock and the index is opened with WAL + synchronous=FULL so a
// committed Set survives a crash. Deleting an entry also removes its artifact.
package cache
