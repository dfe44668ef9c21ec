// Package config loads runtime configuration for the sessionkeeper CLI.
//
// Sources, later ones overriding earlier ones:
//
//  1. Built-in defaults.
//  2. Optional JSON file selected with -c or -config.
//  3. Environment variables prefixed SESSIONKEEPER_ (a .env file is loaded
//     into the environment by the CLI before this package runs).
//  4. Command-line flags.
//
// Supported flags
//
//	-a string   address:port of the identity backend
//	-d string   data directory
//	-l string   log level
//	-i int      online status check interval (seconds)
//
// # JSON schema
//
// Keys match the environment variables without the prefix, in lower case.
// Durations are strings such as "5m":
//
//	{
//	  "identity_endpoint": "auth.example.com:443",
//	  "identity_insecure": false,
//	  "store_backend": "redis",
//	  "redis_url": "redis://localhost:6379/0",
//	  "refresh_before_expiry": "5m",
//	  "log_format": "json"
//	}
package config
