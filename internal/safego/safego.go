// Package safego launches background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine, recovering and logging any panic with its stack.
// Used for the monitor loops and broker callbacks, where a panic would
// otherwise take the whole server down.
func Go(fn func()) {
	go Run(fn)
}

// Run calls fn on the current goroutine with the same recovery as Go.
// It reports whether fn returned without panicking.
func Run(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
