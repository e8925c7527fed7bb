// Package config provides configuration loading and validation for the capture service.
// It reads YAML files, layers .env and environment overrides on top, and validates
// every section before the service starts.
package config
