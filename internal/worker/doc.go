// Package worker runs N replicas of the proxy, one per usable core, and
// supervises them. A unit is either a goroutine-backed replica in the
// coordinating process or a re-executed copy of the binary. Every unit binds
// the same addresses through port reuse and the kernel spreads connections
// across them.
package worker
