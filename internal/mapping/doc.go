// Package mapping defines the routing rules of the proxy. A Mapping binds one
// local listen address to one upstream target together with a fixed set of
// header overrides. Mappings are validated once at startup, either from a
// Spec or from command line groups, and are never mutated afterwards.
package mapping
