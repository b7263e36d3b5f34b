// Package config loads the settlement service configuration from a JSON file,
// applies environment overrides for deployment specific values such as the
// database DSN and RPC endpoint, fills defaults and validates the result.
package config
