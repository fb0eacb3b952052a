// Package recipepath holds path/id helpers shared by group, serverset, and
// candidate so the ephemeral-sequential member id convention lives in one
// place.
package recipepath

import (
	"regexp"
	"strings"
)

// Join joins a parent path and a leaf name with exactly one slash, the way
// ZooKeeper paths are conventionally built (no filepath.Join: ZK paths are
// always "/" separated regardless of OS).
func Join(parent, leaf string) string {
	parent = strings.TrimSuffix(parent, "/")
	return parent + "/" + leaf
}

// Leaf returns the final path component.
func Leaf(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// MemberPattern returns the regex matching member ids for the given prefix:
// "^<prefix>[0-9]+$", per spec.md §4.2.
func MemberPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "[0-9]+$")
}
