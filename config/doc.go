// Package config loads the processd TOML configuration.
//
// Load starts from Default, overlays the file when one exists, applies
// environment overrides and validates the result. Durations are stored as
// integer milliseconds or seconds as named by each key; the accessor methods
// convert them to time.Duration for the components.
package config
