// Package httpserver implements the proxy's listeners. A Server binds one
// local address, optionally with SO_REUSEPORT so every worker replica can
// accept on the same port, and serves a single mapping's handler with
// bounded graceful shutdown. Bind failures surface as *BindError.
package httpserver
