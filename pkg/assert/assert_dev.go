//go:build !release

// Package assert provides invariant checks that panic in development builds. Building with the
// release tag turns them into no-ops, so conditions must not have side effects.
package assert

import "fmt"

// That panics with the formatted message when cond is false.
func That(cond bool, format string, args ...any) { //nolint:goprintffuncname // it's ok
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
