// Package replica runs one complete copy of the proxy: a transport pool,
// forwarding handler and listener for every mapping. A worker owns exactly
// one replica; replicas share nothing but the bound ports.
package replica
