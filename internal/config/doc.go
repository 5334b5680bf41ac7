// Package config provides configuration management for the Synapse platform.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.synapse/config.yaml and is automatically
// created with sensible defaults on first use. The file structure mirrors
// the Go structs defined in this package.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the SYNAPSE_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - SYNAPSE_SERVER_PORT=8100
//   - SYNAPSE_SERVER_API_KEY=...
//   - SYNAPSE_DATA_SERVICE_KEY=...
//   - SYNAPSE_LOGGING_LEVEL=debug
//
// # Security
//
// The PostgREST service key, the shared API key, and any LLM provider keys
// should be supplied through environment variables rather than the config
// file to prevent accidental exposure:
//
//	export SYNAPSE_DATA_SERVICE_KEY=...
//	export SYNAPSE_SERVER_API_KEY=...
//
// # Path Expansion
//
// The package automatically expands ~ to the user's home directory in
// path configurations, making config files portable across systems.
//
// # Thread Safety
//
// Config instances are not thread-safe. Load once at startup and treat the
// result as read-only.
package config
