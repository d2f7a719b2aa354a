// Package config loads the proxy's tunables from an optional YAML file and
// FWDPROXY_ environment variables. Mappings themselves come from the command
// line; everything here has a default, so no configuration is required.
package config
