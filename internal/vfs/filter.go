package vfs

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// NameFilter hides delegate entries matching gitignore-style patterns.
// A nil filter excludes nothing.
type NameFilter struct {
	matcher *ignore.GitIgnore
}

// NewNameFilter compiles patterns. Blank lines and comments are ignored;
// no usable pattern yields a nil filter.
func NewNameFilter(patterns []string) *NameFilter {
	var lines []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		lines = append(lines, p)
	}
	if len(lines) == 0 {
		return nil
	}
	return &NameFilter{matcher: ignore.CompileIgnoreLines(lines...)}
}

// Excluded reports whether relPath (relative to its root, slash separated)
// is hidden from listings.
func (nf *NameFilter) Excluded(relPath string, isDir bool) bool {
	if nf == nil || relPath == "" {
		return false
	}
	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}
	return nf.matcher.MatchesPath(checkPath)
}
