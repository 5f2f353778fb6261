// Package monitor builds the read-only operator view of the refresh
// pipeline from the watch list and the live status records. Nothing in this
// package writes to the coordination store.
package monitor
