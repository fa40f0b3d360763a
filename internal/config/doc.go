// Package config loads the authcore configuration: authority selection,
// client registration, cache storage backend, broker transport preference
// order and the legacy-cache migration switch. Configuration is a YAML file
// under ~/.config/authcore; missing files fall back to defaults, malformed
// files fail loading.
package config
