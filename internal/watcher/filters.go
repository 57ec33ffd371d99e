package watcher

import (
	"path/filepath"
	"strings"
)

// Filters implements spec.md §4.F's filter semantics: include globs,
// case-insensitive literal extension excludes, empty list = accept all.
type Filters struct {
	Include []string
	Exclude []string
}

// Match reports whether name should be considered for detection.
func (f Filters) Match(name string) bool {
	if len(f.Include) > 0 {
		matched := false
		for _, pattern := range f.Include {
			if ok, _ := filepath.Match(pattern, filepath.Base(name)); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(f.Exclude) > 0 {
		lower := strings.ToLower(name)
		for _, ext := range f.Exclude {
			if strings.HasSuffix(lower, strings.ToLower(ext)) {
				return false
			}
		}
	}
	return true
}
