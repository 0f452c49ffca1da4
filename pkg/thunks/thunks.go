// Package thunks contains pointers to functions that might be replaced in
// tests.
package thunks

import (
	"os"
	"time"
)

// TimeNow is an alias for time.Now
var TimeNow func() time.Time = time.Now

// UserHomeDir is an alias for os.UserHomeDir
var UserHomeDir func() (string, error) = os.UserHomeDir

// SetUpTest replaces thunks with stable test versions.
func SetUpTest() {
	TimeNow = func() time.Time {
		return time.Date(1992, 12, 31, 1, 2, 3, 4, time.UTC)
	}
}
