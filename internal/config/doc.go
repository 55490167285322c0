// Package config defines the application configuration structure and
// loading logic. Configuration is read from environment variables with the
// CONVEYOR_ prefix and optionally a config file, then validated before use.
package config
