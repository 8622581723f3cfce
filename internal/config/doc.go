// Package config loads the daemon configuration from a single YAML file at
// startup and fills in defaults for anything the operator left out. The
// resulting Config is immutable and passed by reference into constructors.
package config
