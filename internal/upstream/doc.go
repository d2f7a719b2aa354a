// Package upstream implements the per-mapping transport pool. A Pool owns the
// reusable keep-alive connections to one target host and port, selects plain
// or TLS transport from the mapping's scheme, bounds total and idle
// connections, and tracks how many requests are in flight through it.
package upstream
