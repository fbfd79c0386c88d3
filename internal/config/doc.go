// Package config provides configuration management for the intent router.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a typed configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.intentrouter/config.yaml and is created
// with the built-in tier scheme, presets and pricing on first use.
//
// # Environment Variables
//
// Values present in the file can be overridden using environment variables
// with the INTENTROUTER_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - INTENTROUTER_ROUTER_PRESET=economy
//   - INTENTROUTER_CLASSIFIER_API_KEY=sk-...
//   - INTENTROUTER_LOGGING_LEVEL=debug
//
// # Configuration Sections
//
//   - router: routing settings, per-endpoint overrides, history window
//   - tiers: ordered complexity bands covering [0, 1]
//   - presets: tier-to-model mappings, tool floor and tool catalog
//   - pricing: per-model unit costs used for cost deltas
//   - classifier: fallback classifier transport and breaker
//   - tools: resource rules, provider rate limit, static credentials
//   - logging, decision_log
//
// # Validation
//
// Validate builds every policy the router settings can select, so an
// incomplete preset fails at startup with a *router.ConfigurationError
// rather than on the first request.
//
// Config instances are not thread-safe.
package config
