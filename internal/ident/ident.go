// Package ident canonicalizes identifiers and workspace paths.
//
// Sandbox, user, and project identifiers in AppForge are assembled by
// concatenating values from different sources (request bodies, database
// rows, freshly generated UUIDs). A missing or doubled separator at a join
// point produces strings like "user--1" or "/workspace//app" that later
// break filesystem operations or equality comparisons used as lookup keys.
// Every boundary that persists an identifier or uses one as a path runs it
// through this package first.
package ident

import "strings"

// NormalizeID collapses any run of consecutive hyphens into a single hyphen.
// Empty input maps to the empty string.
func NormalizeID(s string) string {
	return collapse(s, '-')
}

// NormalizePath collapses runs of path separators into one, then applies the
// same hyphen collapsing as NormalizeID.
func NormalizePath(s string) string {
	return collapse(collapse(s, '/'), '-')
}

// ProjectPath builds the canonical three-level workspace path for a project
// inside its sandbox: users/<user>/<sandbox>/<project>.
func ProjectPath(userID, sandboxID, projectID string) string {
	return NormalizePath("users/" + userID + "/" + sandboxID + "/" + projectID)
}

func collapse(s string, sep byte) string {
	if !strings.Contains(s, string([]byte{sep, sep})) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev byte
	for i := 0; i < len(s); i++ {
		if s[i] == sep && prev == sep {
			continue
		}
		b.WriteByte(s[i])
		prev = s[i]
	}
	return b.String()
}
