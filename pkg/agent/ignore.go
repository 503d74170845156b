package agent

import (
	"path"
	"strings"
)

// Directory names skipped in both sync directions.
var ignoredDirs = map[string]struct{}{
	".git":          {},
	".hg":           {},
	".svn":          {},
	"node_modules":  {},
	"__pycache__":   {},
	".venv":         {},
	"venv":          {},
	".idea":         {},
	".vscode":       {},
	"dist":          {},
	"build":         {},
	"target":        {},
	".cache":        {},
	".pytest_cache": {},
	".mypy_cache":   {},
}

// File suffixes of transient artifacts editors and compilers leave behind.
var ignoredSuffixes = []string{
	".swp", ".swo", ".swx", "~", ".tmp", ".bak", ".pyc", ".pyo", ".o", ".class",
}

// Ignored reports whether a normalized workspace-relative path is excluded
// from syncing: the sync marker, hidden path segments, known artifact
// directories, and transient file suffixes.
func Ignored(rel string) bool {
	if rel == "" || rel == MarkerFile {
		return true
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, ".") {
			return true
		}
		if _, ok := ignoredDirs[seg]; ok {
			return true
		}
	}
	base := path.Base(rel)
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	// Editor atomic-save temporaries like "#main.py#" or ".#main.py".
	if strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#") {
		return true
	}
	return false
}
