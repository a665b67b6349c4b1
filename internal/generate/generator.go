// Package generate drives an external code generator over resolved documents.
package generate

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"genweaver/internal/core"
	"genweaver/internal/logging"
)

// DefaultProgram is invoked when a target names no program.
const DefaultProgram = "openapi-generator-cli"

// Target is one generation unit: documents in, one output root out.
type Target struct {
	Name string `yaml:"name"`

	// OutputRoot is cleared and regenerated on every run.
	OutputRoot string `yaml:"output"`

	Lang        string `yaml:"lang"`
	TemplateDir string `yaml:"templates,omitempty"`

	// Tests and Docs toggle api/model tests and docs.
	Tests bool `yaml:"tests,omitempty"`
	Docs  bool `yaml:"docs,omitempty"`

	// RequireLayout checks src/main/<lang> (and src/test/<lang> with Tests)
	// after merging.
	RequireLayout bool `yaml:"require_layout,omitempty"`

	Program string `yaml:"program,omitempty"`

	// Args replace the openapi-generator argument list. Placeholders:
	// {input} {templates} {output} {lang} {tests} {docs} {name}.
	Args []string `yaml:"args,omitempty"`

	// Properties become --additional-properties, sorted by key.
	Properties map[string]string `yaml:"properties,omitempty"`

	Env map[string]string `yaml:"env,omitempty"`
}

// Generator invokes the configured tool once per document and merges the
// results into the target's output root.
type Generator struct {
	Invoker   core.Invoker
	Harvester *core.Harvester

	// BaseDir anchors relative output and template paths. Output roots must
	// lie strictly inside it.
	BaseDir string

	// Protected paths may be neither an output root nor inside one, e.g. the
	// resolved-document directory and the state database.
	Protected []string

	logger logging.Logger
}

// NewGenerator returns a Generator. A nil logger discards output.
func NewGenerator(invoker core.Invoker, baseDir string, logger logging.Logger) *Generator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{Invoker: invoker, Harvester: core.NewHarvester(), BaseDir: baseDir, logger: logger}
}

// Generate regenerates target from docs and returns the produced artifact set.
//
// The output root is cleared first. Each document is generated into its own
// staging directory and the stagings are merged in input order, so several
// documents can feed one root without clobbering each other.
func (g *Generator) Generate(ctx context.Context, target Target, docs []*core.SpecDocument) (*core.GeneratedArtifactSet, error) {
	root := g.abs(target.OutputRoot)
	fail := func(input string, code int, out []byte, err error) (*core.GeneratedArtifactSet, error) {
		return nil, &GenerationError{Target: target.Name, Input: input, ExitCode: code, Output: tail(out), Err: err}
	}

	if err := g.checkOutputRoot(target.OutputRoot); err != nil {
		return fail("", -1, nil, err)
	}

	templates := ""
	if target.TemplateDir != "" {
		templates = g.abs(target.TemplateDir)
		if info, err := os.Stat(templates); err != nil || !info.IsDir() {
			return fail("", -1, nil, fmt.Errorf("%w: %s", ErrTemplateDirMissing, target.TemplateDir))
		}
	}

	if err := os.RemoveAll(root); err != nil {
		return fail("", -1, nil, fmt.Errorf("clear output root: %w", err))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fail("", -1, nil, fmt.Errorf("create output root: %w", err))
	}

	stagingBase := filepath.Join(root, core.StagingDirName)
	stagings := make([]string, len(docs))
	for i, doc := range docs {
		staging := filepath.Join(stagingBase, stagingName(i, doc, docs))
		stagings[i] = staging

		inv := core.Invocation{
			Program: lo.Ternary(target.Program != "", target.Program, DefaultProgram),
			Args:    buildArgs(target, doc.Path(), templates, staging),
			Dir:     g.BaseDir,
			Env:     target.Env,
		}
		g.logger.Debug("invoking generator",
			logging.String("target", target.Name),
			logging.String("input", doc.Name()),
			logging.String("command", inv.String()))

		res, err := g.Invoker.Invoke(ctx, inv)
		if err != nil {
			return fail(doc.Name(), -1, res.CombinedOutput(), err)
		}
		if !res.Succeeded() {
			return fail(doc.Name(), res.ExitCode, res.CombinedOutput(), ErrToolFailed)
		}
	}

	if err := g.merge(target.Name, root, stagings, docs); err != nil {
		return fail("", -1, nil, err)
	}
	if err := os.RemoveAll(stagingBase); err != nil {
		return fail("", -1, nil, fmt.Errorf("remove staging: %w", err))
	}

	if target.RequireLayout {
		if err := checkLayout(root, target); err != nil {
			return fail("", -1, nil, err)
		}
	}

	set, err := g.Harvester.Harvest(target.Name, root)
	if err != nil {
		return fail("", -1, nil, err)
	}
	g.logger.Info("generation complete",
		logging.String("target", target.Name),
		logging.Int("documents", len(docs)),
		logging.Int("files", set.Len()),
		logging.String("digest", set.Digest))
	return set, nil
}

// Collect re-harvests the output root without regenerating. It is used when
// the stage is up to date.
func (g *Generator) Collect(target Target) (*core.GeneratedArtifactSet, error) {
	set, err := g.Harvester.Harvest(target.Name, g.abs(target.OutputRoot))
	if err != nil {
		return nil, &GenerationError{Target: target.Name, ExitCode: -1, Err: err}
	}
	return set, nil
}

// merge moves staged files into root in document order. A path produced by
// an earlier document is never overwritten: identical content is dropped
// silently, differing content is dropped with a warning.
func (g *Generator) merge(target, root string, stagings []string, docs []*core.SpecDocument) error {
	owner := make(map[string]string)
	for i, staging := range stagings {
		if !core.Exists(staging) {
			continue
		}
		err := filepath.WalkDir(staging, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(staging, p)
			if err != nil {
				return err
			}
			dest := filepath.Join(root, rel)

			if first, taken := owner[rel]; taken {
				same, err := sameContent(p, dest)
				if err != nil {
					return err
				}
				if !same {
					g.logger.Warn("conflicting generated file, keeping first",
						logging.String("target", target),
						logging.String("path", filepath.ToSlash(rel)),
						logging.String("kept", first),
						logging.String("dropped", docs[i].Name()))
				}
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := os.Rename(p, dest); err != nil {
				return err
			}
			owner[rel] = docs[i].Name()
			return nil
		})
		if err != nil {
			return fmt.Errorf("merge %s: %w", docs[i].Name(), err)
		}
	}
	return nil
}

func buildArgs(t Target, input, templates, output string) []string {
	tests := strconv.FormatBool(t.Tests)
	docs := strconv.FormatBool(t.Docs)

	if len(t.Args) > 0 {
		r := strings.NewReplacer(
			"{input}", input,
			"{templates}", templates,
			"{output}", output,
			"{lang}", t.Lang,
			"{tests}", tests,
			"{docs}", docs,
			"{name}", t.Name,
		)
		return lo.Map(t.Args, func(a string, _ int) string { return r.Replace(a) })
	}

	args := []string{"generate", "-i", input}
	if templates != "" {
		args = append(args, "-t", templates)
	}
	args = append(args,
		"-o", output,
		"-g", t.Lang,
		"--global-property", fmt.Sprintf("apiTests=%s,modelTests=%s,apiDocs=%s,modelDocs=%s", tests, tests, docs, docs),
	)
	if len(t.Properties) > 0 {
		keys := lo.Keys(t.Properties)
		slices.Sort(keys)
		pairs := lo.Map(keys, func(k string, _ int) string { return k + "=" + t.Properties[k] })
		args = append(args, "--additional-properties", strings.Join(pairs, ","))
	}
	return args
}

func checkLayout(root string, t Target) error {
	dirs := []string{core.MainSourceDir(t.Lang)}
	if t.Tests {
		dirs = append(dirs, core.TestSourceDir(t.Lang))
	}
	for _, d := range dirs {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(d)))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrLayoutMissing, d)
		}
	}
	return nil
}

// stagingName is the document name, suffixed with its position when two
// documents share a name.
func stagingName(i int, doc *core.SpecDocument, docs []*core.SpecDocument) string {
	dup := lo.CountBy(docs, func(d *core.SpecDocument) bool { return d.Name() == doc.Name() })
	if dup > 1 {
		return fmt.Sprintf("%s-%d", doc.Name(), i)
	}
	return doc.Name()
}

func sameContent(a, b string) (bool, error) {
	x, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	y, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}

// checkOutputRoot refuses roots whose clearing would reach beyond the
// target's own subtree.
func (g *Generator) checkOutputRoot(outputRoot string) error {
	if strings.TrimSpace(outputRoot) == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeOutputRoot)
	}
	root := g.abs(outputRoot)
	if g.BaseDir != "" && !strictlyInside(root, filepath.Clean(g.BaseDir)) {
		return fmt.Errorf("%w: %s is not inside %s", ErrUnsafeOutputRoot, outputRoot, g.BaseDir)
	}
	for _, p := range g.Protected {
		if p == "" {
			continue
		}
		pa := g.abs(p)
		if pa == root || strictlyInside(pa, root) {
			return fmt.Errorf("%w: %s would delete %s", ErrUnsafeOutputRoot, outputRoot, p)
		}
	}
	return nil
}

// strictlyInside reports whether p is below dir. Both must be clean.
func strictlyInside(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (g *Generator) abs(p string) string {
	if filepath.IsAbs(p) || g.BaseDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(g.BaseDir, p)
}
