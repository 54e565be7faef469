// Package generation orders and advances generation ids.
//
// Ids are opaque strings. They compare by byte length first and then
// lexicographically, so decimal counters order numerically and equal-length
// ids (timestamps, zero-padded counters) order lexically.
package generation

import (
	"fmt"
	"strings"
)

// Zero is the initial generation of an automatic collection.
const Zero = "0"

// Compare returns -1, 0 or +1.
func Compare(a, b string) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Less reports whether a orders before b.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Min returns the lower of a and b.
func Min(a, b string) string {
	if Compare(b, a) < 0 {
		return b
	}
	return a
}

// IsCounter reports whether id is a non-empty run of decimal digits.
func IsCounter(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// Next returns the decimal successor of a counter id. Width is kept unless
// the increment carries out of the leading digit.
func Next(id string) (string, error) {
	if !IsCounter(id) {
		return "", fmt.Errorf("generation %q is not a decimal counter", id)
	}
	digits := []byte(id)
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < '9' {
			digits[i]++
			return string(digits), nil
		}
		digits[i] = '0'
	}
	return "1" + string(digits), nil
}

// SortKey maps id to a string whose bytewise order matches Compare. Storage
// engines index generations by it.
func SortKey(id string) string {
	return fmt.Sprintf("%08x", len(id)) + id
}

// FromSortKey reverses SortKey.
func FromSortKey(key string) (string, error) {
	if len(key) < 8 {
		return "", fmt.Errorf("generation sort key %q too short", key)
	}
	return key[8:], nil
}
