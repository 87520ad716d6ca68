// Package region normalizes client supplied exit-region hints.
package region

import "strings"

// Code is a normalized two-letter exit region, e.g. "de".
type Code string

// Default is the code of the unconstrained default route.
const Default Code = ""

// IsDefault reports whether c selects the default route.
func (c Code) IsDefault() bool {
	return c == Default
}

// String returns the code, or "default" for the default route.
func (c Code) String() string {
	if c == Default {
		return "default"
	}
	return string(c)
}

// Normalize trims and lowercases a raw hint. It returns (Default, false) when
// the hint is empty, one of the reserved words "default" or "any", or
// anything other than exactly two ASCII letters. Invalid hints never error.
func Normalize(hint string) (Code, bool) {
	code := strings.ToLower(strings.TrimSpace(hint))
	if code == "" || code == "default" || code == "any" {
		return Default, false
	}
	if len(code) != 2 || !isLetter(code[0]) || !isLetter(code[1]) {
		return Default, false
	}
	return Code(code), true
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z'
}
