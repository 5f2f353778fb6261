// Package client is a small typed client for the heron monitor API, used by
// the CLI to inspect a running cluster through any of its nodes.
package client
