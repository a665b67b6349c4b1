// Package resolve consolidates a root specification and everything it
// references into one SpecDocument.
package resolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"genweaver/internal/core"
	"genweaver/internal/logging"
)

// Format selects how a root is consolidated.
type Format string

const (
	// FormatOpenAPI inlines external $refs and emits canonical JSON.
	FormatOpenAPI Format = "openapi"
	// FormatText expands include directives and replaces @TOKEN@ placeholders.
	FormatText Format = "text"
)

// indexNames are tried in order when a locator is a directory.
var indexNames = []string{"index.yaml", "index.yml", "index.json", "openapi.yaml"}

// Root is one specification to resolve.
type Root struct {
	// Name names the persisted document. Derived from Locator when empty.
	Name string `yaml:"name,omitempty"`

	// Locator is a file path or a composite index directory.
	Locator string `yaml:"root"`

	Format Format `yaml:"format,omitempty"`

	// Tokens override the resolver-wide tokens for this root.
	Tokens map[string]string `yaml:"tokens,omitempty"`
}

// DisplayName returns Name or, failing that, the locator's base name
// without extension.
func (r Root) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	base := filepath.Base(filepath.Clean(r.Locator))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Resolver turns Roots into persisted SpecDocuments.
type Resolver struct {
	// BaseDir anchors relative locators.
	BaseDir string

	// ResolvedDir receives <name>.<ext> for every resolved root.
	ResolvedDir string

	// Tokens are the default @TOKEN@ values for text roots.
	Tokens map[string]string

	logger logging.Logger
}

// NewResolver returns a Resolver. A nil logger discards output.
func NewResolver(baseDir, resolvedDir string, tokens map[string]string, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{BaseDir: baseDir, ResolvedDir: resolvedDir, Tokens: tokens, logger: logger}
}

// Resolve consolidates root and persists it at OutputPath.
func (r *Resolver) Resolve(ctx context.Context, root Root) (*core.SpecDocument, error) {
	name := root.DisplayName()
	fail := func(err error) (*core.SpecDocument, error) {
		return nil, &ResolutionError{Root: name, Locator: root.Locator, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	entry, err := r.locate(root.Locator)
	if err != nil {
		return fail(err)
	}

	var (
		content []byte
		format  core.DocumentFormat
		sources []string
	)
	switch root.format() {
	case FormatOpenAPI:
		ri := newRefInliner(ctx)
		content, err = ri.consolidate(entry)
		format, sources = core.FormatJSON, ri.sources()
	case FormatText:
		ie := newIncludeExpander(ctx, r.tokensFor(root))
		content, err = ie.consolidate(entry)
		format, sources = core.FormatText, ie.sources()
	default:
		err = fmt.Errorf("unknown format %q", root.Format)
	}
	if err != nil {
		return fail(err)
	}

	out := r.OutputPath(root)
	if err := core.WriteFileAtomic(out, content, 0o644); err != nil {
		return fail(fmt.Errorf("persist: %w", err))
	}

	doc := core.NewSpecDocument(name, out, format, content, sources...)
	r.logger.Info("spec resolved",
		logging.String("root", name),
		logging.String("path", out),
		logging.Int("sources", len(sources)),
		logging.Int("bytes", doc.Len()),
		logging.String("digest", doc.Digest()))
	return doc, nil
}

// ResolveAll resolves independent roots concurrently. Documents are returned
// in input order; the first failure cancels the rest.
func (r *Resolver) ResolveAll(ctx context.Context, roots []Root) ([]*core.SpecDocument, error) {
	docs := make([]*core.SpecDocument, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		i, root := i, root
		g.Go(func() error {
			doc, err := r.Resolve(gctx, root)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Load returns the document a previous run persisted for root, without
// re-resolving it.
func (r *Resolver) Load(root Root) (*core.SpecDocument, error) {
	out := r.OutputPath(root)
	content, err := os.ReadFile(out)
	if err != nil {
		return nil, &ResolutionError{Root: root.DisplayName(), Locator: root.Locator, Err: err}
	}
	format := core.FormatText
	if root.format() == FormatOpenAPI {
		format = core.FormatJSON
	}
	return core.NewSpecDocument(root.DisplayName(), out, format, content), nil
}

// OutputPath is the deterministic location root is persisted at.
func (r *Resolver) OutputPath(root Root) string {
	ext := ".json"
	if root.format() == FormatText {
		ext = filepath.Ext(root.Locator)
		if ext == "" {
			ext = core.FormatText.Extension()
		}
	}
	return filepath.Join(r.abs(r.ResolvedDir), root.DisplayName()+ext)
}

func (r *Resolver) tokensFor(root Root) map[string]string {
	merged := make(map[string]string, len(r.Tokens)+len(root.Tokens))
	for k, v := range r.Tokens {
		merged[k] = v
	}
	for k, v := range root.Tokens {
		merged[k] = v
	}
	return merged
}

// locate turns a locator into the entry file, looking inside composite
// index directories.
func (r *Resolver) locate(locator string) (string, error) {
	p := r.abs(locator)
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMissingRoot, locator)
	}
	if !info.IsDir() {
		return p, nil
	}
	for _, name := range indexNames {
		candidate := filepath.Join(p, name)
		if core.Exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no %s in %s", ErrMissingRoot, strings.Join(indexNames, ", "), locator)
}

func (r *Resolver) abs(p string) string {
	if filepath.IsAbs(p) || r.BaseDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(r.BaseDir, p)
}

func (r Root) format() Format {
	if r.Format == "" {
		return FormatOpenAPI
	}
	return r.Format
}
