// Package config loads and validates application configuration from an
// optional YAML file and GEOCALIB_-prefixed environment variables, with the
// environment taking precedence.
package config
