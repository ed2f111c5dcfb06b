// Package config loads and validates go-meanteacher run configuration.
//
// A run is described by one TOML file with a section per subsystem. Missing
// keys keep the values returned by Default, so a file only needs to name what
// it changes. Load expands "~" in path settings and rejects values the
// training loops cannot work with, reporting the offending key by its TOML
// name.
package config
