// Package config loads the hutch daemon settings from a YAML file,
// overridden by HUTCH_* environment variables.
package config
