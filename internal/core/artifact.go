package core

import (
	"path"
	"sort"
)

// GeneratedArtifactSet is the ordered set of files one generation target produced.
//
// Paths are slash-separated and relative to Root. The set is rebuilt from
// scratch on every run; it is never merged with a previous run's set.
type GeneratedArtifactSet struct {
	// Target is the generation target that owns the set.
	Target string `json:"target"`

	// Root is the output directory every path is relative to.
	Root string `json:"root"`

	// Digest summarizes normalized file contents. Empty until computed.
	Digest string `json:"digest,omitempty"`

	paths []string
}

// NewGeneratedArtifactSet returns an empty set rooted at root.
func NewGeneratedArtifactSet(target, root string) *GeneratedArtifactSet {
	return &GeneratedArtifactSet{Target: target, Root: root}
}

// Add inserts p keeping the set sorted and free of duplicates.
// It reports whether p was newly added.
func (s *GeneratedArtifactSet) Add(p string) bool {
	p = path.Clean(p)
	i := sort.SearchStrings(s.paths, p)
	if i < len(s.paths) && s.paths[i] == p {
		return false
	}
	s.paths = append(s.paths, "")
	copy(s.paths[i+1:], s.paths[i:])
	s.paths[i] = p
	return true
}

// Contains reports whether p is in the set.
func (s *GeneratedArtifactSet) Contains(p string) bool {
	p = path.Clean(p)
	i := sort.SearchStrings(s.paths, p)
	return i < len(s.paths) && s.paths[i] == p
}

// Paths returns a copy of the sorted relative paths.
func (s *GeneratedArtifactSet) Paths() []string {
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Len returns the number of files in the set.
func (s *GeneratedArtifactSet) Len() int { return len(s.paths) }

// Under returns the paths below the slash-separated directory prefix dir.
func (s *GeneratedArtifactSet) Under(dir string) []string {
	dir = path.Clean(dir) + "/"
	var out []string
	for _, p := range s.paths {
		if len(p) > len(dir) && p[:len(dir)] == dir {
			out = append(out, p)
		}
	}
	return out
}

// MainSourceDir is the layout directory for generated production sources.
func MainSourceDir(lang string) string { return path.Join("src", "main", lang) }

// TestSourceDir is the layout directory for generated test sources.
func TestSourceDir(lang string) string { return path.Join("src", "test", lang) }
