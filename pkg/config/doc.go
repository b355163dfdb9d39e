/*
Package config loads and validates AsyncGate configuration.

Configuration is layered: compiled-in defaults, then an optional YAML
file, then ASYNCGATE_* environment variables. Load applies all three and
validates the result. Validation is environment-sensitive: development
tolerates a missing API key, staging and production abort startup.

Duration knobs are expressed in integer seconds (milliseconds for the
sweep micro-sleep) and exposed as time.Duration through accessor
methods.
*/
package config
