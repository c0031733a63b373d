// Package config loads the docingest configuration from a TOML file.
//
// Every field has a default, so a missing file or a partial file is
// valid. Command line flags override loaded values.
package config
