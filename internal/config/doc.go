// Package config provides configuration loading and validation for the
// detector. A YAML file is read over Default(), so a file only needs the
// values it changes; every section validates itself and Config.Validate
// reports the first failing section. Command-line flags are applied on top
// of the loaded configuration by cmd/vadc.
package config
