// Package server hosts the Fiber HTTP service, the request middleware chain
// and the origin registry that maps an incoming Host header onto one of the
// configured origins (application, data API, sprites). Gateway-owned paths
// under /-/ bypass host routing and are mounted by package routes.
// The shared upstream transport used by the network cache layer also lives
// here, so keep exports narrow and accept explicit dependencies.
package server
