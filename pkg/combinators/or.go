// Package combinators defines small defaulting helpers such as StringOr.
package combinators

// StringOr returns s if it is non-empty. Otherwise, it returns the provided
// default.
func StringOr(s, orDefault string) string {
	if s == "" {
		return orDefault
	}
	return s
}

// IntOr returns n if it is non-zero. Otherwise, it returns the provided
// default.
func IntOr(n, orDefault int) int {
	if n == 0 {
		return orDefault
	}
	return n
}
