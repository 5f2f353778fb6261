// Package config loads the YAML node configuration over built-in defaults
// and validates it as a whole, reporting every problem at once.
package config
