package testutils

import (
	"time"
)

// TryWatch attempts to receive an event from a watcher within the specified
// timeout. Returns the event and true if successful, or a zero event and
// false if timeout occurs.
func TryWatch[E any](w interface{ ResultChan() <-chan E }, timeout time.Duration) (E, bool) {
	select {
	case e := <-w.ResultChan():
		return e, true
	case <-time.After(timeout):
		var zero E
		return zero, false
	}
}
