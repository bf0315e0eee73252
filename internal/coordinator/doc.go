// Package coordinator is the data-access contract the view layer consumes.
// Each call consults the entity store first, falls back to the network
// (which transparently passes through the network cache layer) on a miss and
// writes successful results back before returning.
package coordinator
