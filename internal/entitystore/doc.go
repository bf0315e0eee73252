// Package entitystore is the persisted entity cache used by the data-access
// layer. Entries are keyed by a tagged Key (the full index or one Pokémon by
// id), carry the time they were written, and expire lazily: Get treats an
// entry older than the TTL as a miss without deleting it, and SweepExpired is
// the explicit, caller-invoked space reclamation pass that walks the
// write-timestamp index.
//
// Two backends implement Store with identical semantics: a local bbolt file
// (the default) and redis for gateways that share one cache.
package entitystore
