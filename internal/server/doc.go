// Package server implements the presence and broadcast hub for a single
// shared chat room, along with its WebSocket transport and HTTP surface.
//
// The Hub applies connect, disconnect and application events on one
// goroutine, reconciles reconnecting identities through a presence.Registry,
// and fans the results out to every active connection. Clients own their
// socket I/O and never touch shared state directly.
package server
