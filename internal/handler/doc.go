// Package handler implements the forwarding handler of a single mapping. It
// rewrites each inbound request onto the mapping's upstream pool, applies the
// header overrides with override-wins precedence, streams both bodies, and
// maps upstream failures to generic 5xx responses.
package handler
