// Package netcache implements the network cache layer that sits between the
// gateway and the upstream origins. A Worker is one deployment of the layer:
// it installs a versioned static generation, purges outdated generations on
// activation and then answers every proxied request with the per-origin policy
// from package policy. A Registration owns the workers of a process, hands
// requests to the active one, keeps superseded workers alive until their last
// in-flight request is released, and processes control messages (skip-waiting,
// clear-cache, stats) on its own goroutine.
package netcache
