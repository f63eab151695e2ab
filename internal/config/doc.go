// Package config provides configuration management for the cache layer.
//
// Configuration is resolved in three layers: compiled-in defaults
// (NewDefault), an optional YAML file (LoadFromFile), and environment
// variable overrides prefixed DFSCACHE_ (LoadFromEnv). Validate must pass
// before the configuration is handed to Init.
package config
