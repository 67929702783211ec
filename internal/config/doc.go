// SPDX-License-Identifier: MPL-2.0

// Package config loads protopm configuration using Viper with CUE as the file format.
//
// The file is config.cue in the user config directory (see ConfigDir) or the
// path given with --config. It is validated against the embedded #Config schema
// in config_schema.cue. Built-in defaults apply to every omitted field, and
// PROTOPM_* environment variables (e.g. PROTOPM_REGISTRY_URL) override both.
package config
