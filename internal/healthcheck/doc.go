// Package healthcheck periodically probes the upstream target of a mapping by
// opening a TCP connection to it. Results are informational: they are logged
// and fed to metrics, and never stop requests from being forwarded.
package healthcheck
