// Package config loads the relay configuration from an optional YAML file
// overlaid with the CREW_*, WEBHOOK_* and LOG_* environment variables.
package config
