package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Input is one expanded input file of a stage.
type Input struct {
	// Path is slash-separated and relative to the resolver's BaseDir when
	// the pattern was relative.
	Path string

	// Content is read by value; file metadata is ignored.
	Content []byte
}

// InputSet is the sorted, de-duplicated expansion of a stage's input patterns.
type InputSet struct {
	Inputs []Input
}

// InputResolver expands stage input patterns into an InputSet.
//
// Glob expansion is strictly sorted, so fingerprints never depend on
// directory iteration order.
type InputResolver struct {
	// BaseDir anchors relative patterns.
	BaseDir string
}

// NewInputResolver creates an InputResolver anchored at baseDir.
func NewInputResolver(baseDir string) *InputResolver {
	return &InputResolver{BaseDir: baseDir}
}

// Resolve expands patterns and reads every matched file.
//
// The resolution process:
//  1. Each pattern is expanded with filepath.Glob (literal paths pass through)
//  2. Directories are walked so a declared spec folder covers every file in it
//  3. Paths are made relative to BaseDir and slash-normalized
//  4. Paths are sorted and de-duplicated
//  5. Contents are read
//
// A literal path that does not exist is an error: a stage whose declared
// input is missing cannot be fingerprinted meaningfully.
func (r *InputResolver) Resolve(patterns []string) (*InputSet, error) {
	seen := make(map[string]string)
	for _, pattern := range patterns {
		matches, err := r.expand(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding input %q: %w", pattern, err)
		}
		for rel, abs := range matches {
			seen[rel] = abs
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	inputs := make([]Input, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(seen[p])
		if err != nil {
			return nil, fmt.Errorf("reading input %q: %w", p, err)
		}
		inputs = append(inputs, Input{Path: p, Content: content})
	}
	return &InputSet{Inputs: inputs}, nil
}

// expand returns relative path -> absolute path for one pattern.
func (r *InputResolver) expand(pattern string) (map[string]string, error) {
	full := pattern
	if !filepath.IsAbs(pattern) {
		full = filepath.Join(r.BaseDir, pattern)
	}

	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 && !containsGlobChar(pattern) {
		return nil, fmt.Errorf("input does not exist: %s", pattern)
	}

	out := make(map[string]string)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out[r.rel(m)] = m
			continue
		}
		err = filepath.WalkDir(m, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				out[r.rel(p)] = p
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *InputResolver) rel(p string) string {
	if rel, err := filepath.Rel(r.BaseDir, p); err == nil && !filepath.IsAbs(rel) && rel != ".." && !hasDotDotPrefix(rel) {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(p)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// containsGlobChar reports whether pattern contains glob metacharacters.
func containsGlobChar(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}
