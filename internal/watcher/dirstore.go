package watcher

import "sort"

const dirEntryOverhead = 48

// dirStore holds a sorted, byte-bounded backlog of directories still to be
// walked during a rescan. Adapted from the teacher's
// agent/directoryinfostore.go DirectoryInfoStore, which bounded an
// in-flight GCS listing's directory backlog the same way; here it bounds
// memory while rescanning a pathology-image archive whose directories can
// be numerous even though individual files are huge.
type dirStore struct {
	paths []string
	size  int
}

func newDirStore() *dirStore {
	return &dirStore{paths: make([]string, 0)}
}

// add inserts path in sorted order, ignoring duplicates.
func (s *dirStore) add(path string) {
	idx := sort.SearchStrings(s.paths, path)
	if idx < len(s.paths) && s.paths[idx] == path {
		return
	}
	s.paths = append(s.paths, "")
	copy(s.paths[idx+1:], s.paths[idx:])
	s.paths[idx] = path
	s.size += len(path) + dirEntryOverhead
}

// removeFirst pops the lexicographically-first directory, or "" if empty.
func (s *dirStore) removeFirst() (string, bool) {
	if len(s.paths) == 0 {
		return "", false
	}
	p := s.paths[0]
	s.paths = s.paths[1:]
	s.size -= len(p) + dirEntryOverhead
	return p, true
}

func (s *dirStore) len() int  { return len(s.paths) }
func (s *dirStore) sizeBytes() int { return s.size }
