// Package cache defines the disk-backed generation store behind the network
// cache layer. Every generation is a directory under StoragePath and every
// entry is one file holding a JSON header line (request URL, status, headers)
// followed by the raw response body. Writes go through a temp file + rename so
// a reader never observes a partially written response, and whole generations
// can be listed, counted and dropped during activation or CLEAR_CACHE.
package cache
