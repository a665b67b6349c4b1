package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// StagingDirName is the directory under an output root where generators write
// before their results are merged. Harvesting never descends into it.
const StagingDirName = ".genweaver-staging"

// OutputNormalizer strips nondeterministic data from generated content
// before it is digested.
type OutputNormalizer interface {
	Normalize(content []byte) []byte
}

// Harvester collects the files beneath a generation output root.
type Harvester struct {
	// Normalizer is applied to content before digesting. Nil digests raw bytes.
	Normalizer OutputNormalizer
}

// NewHarvester creates a Harvester with the default generated-code normalizer.
func NewHarvester() *Harvester {
	return &Harvester{Normalizer: NewLineEndingNormalizer(NewDefaultNormalizer())}
}

// Harvest walks root and returns every regular file as a GeneratedArtifactSet.
//
// The harvesting process:
//  1. Walk root, skipping the staging directory
//  2. Record each file relative to root, slash-separated
//  3. Digest (path, normalized content) pairs in sorted path order
//
// The digest lets the orchestrator report whether a regeneration actually
// changed anything, even when the generator stamps dates into its output.
func (h *Harvester) Harvest(target, root string) (*GeneratedArtifactSet, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("output root does not exist: %s", root)
		}
		return nil, fmt.Errorf("stat output root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output root is not a directory: %s", root)
	}

	set := NewGeneratedArtifactSet(target, root)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == StagingDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		set.Add(filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting files from %q: %w", root, err)
	}

	digest, err := h.Digest(set)
	if err != nil {
		return nil, err
	}
	set.Digest = digest
	return set, nil
}

// Digest computes the normalized content digest of set.
func (h *Harvester) Digest(set *GeneratedArtifactSet) (string, error) {
	paths := set.Paths()
	sort.Strings(paths)

	sum := sha256.New()
	writeCount(sum, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(filepath.Join(set.Root, filepath.FromSlash(p)))
		if err != nil {
			return "", fmt.Errorf("reading artifact %q: %w", p, err)
		}
		if h.Normalizer != nil {
			content = h.Normalizer.Normalize(content)
		}
		writeField(sum, []byte(p))
		writeField(sum, content)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
