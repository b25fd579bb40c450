package middleware

import (
	"runtime/debug"

	"campustrade_feed/utils"
)

// Recover runs fn and contains any panic: a failure in one goroutine (a
// producer loop, a mirror drain) must never take the whole feed down.
func Recover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			utils.Logger.Errorw("Panic recovered",
				"component", name,
				"error", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
