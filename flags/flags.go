// Package flags provides support for snitun CLI args
package flags

import "errors"

// ErrExcessArgs is returned when unparsed arguments remain
var ErrExcessArgs = errors.New("excess arguments provided")
