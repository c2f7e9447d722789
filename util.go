package main

import (
	"strings"

	"github.com/horgh/chatbox/wire"
)

// canonicalizeNick converts the given nick to its canonical representation
// (which must be unique).
//
// Note: We don't check validity or strip whitespace.
func canonicalizeNick(n string) string {
	return strings.ToLower(n)
}

// isValidNick checks if a nickname is acceptable: non-empty and within the
// protocol's byte limit.
func isValidNick(n string) bool {
	return len(n) > 0 && len(n) <= wire.MaxNick
}
