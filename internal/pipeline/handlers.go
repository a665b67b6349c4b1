package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/samber/lo"

	"genweaver/internal/core"
	"genweaver/internal/generate"
	"genweaver/internal/logging"
	"genweaver/internal/patch"
	"genweaver/internal/publish"
)

// outcome is what a successful handler hands back to Run.
type outcome struct {
	artifacts []string
	digest    string
	output    []byte

	// sources are the files a resolve stage read, relative to the workdir.
	sources []string
}

func (r *stageRunner) runResolve(ctx context.Context, sd *StageDef) (outcome, error) {
	docs, err := r.resolver.ResolveAll(ctx, sd.Resolve.Roots)
	if err != nil {
		return outcome{}, err
	}
	r.reg.putDocs(sd.Name, docs)
	var sources []string
	for _, doc := range docs {
		sources = append(sources, r.relPaths(doc.Sources())...)
	}
	slices.Sort(sources)
	return outcome{artifacts: r.relPaths(docPaths(docs)), sources: slices.Compact(sources)}, nil
}

// target returns the generation target with its name defaulted to the
// stage's and its output root to <output_root>/<name>.
func (r *stageRunner) target(sd *StageDef) generate.Target {
	t := sd.Generate.Target
	if t.Name == "" {
		t.Name = sd.Name
	}
	if t.OutputRoot == "" {
		t.OutputRoot = filepath.Join(r.cfg.OutputRoot, t.Name)
	}
	return t
}

func (r *stageRunner) runGenerate(ctx context.Context, sd *StageDef) (outcome, error) {
	var docs []*core.SpecDocument
	if len(sd.Generate.Documents) > 0 {
		for _, name := range sd.Generate.Documents {
			doc, ok := r.reg.doc(name)
			if !ok {
				return outcome{}, fmt.Errorf("document %q was not resolved by any upstream stage", name)
			}
			docs = append(docs, doc)
		}
	} else {
		docs = nearest(r.upstreamLevels(sd), r.reg.docsOf)
	}
	if len(docs) == 0 {
		return outcome{}, errors.New("no input documents")
	}

	set, err := r.generator.Generate(ctx, r.target(sd), docs)
	if err != nil {
		return outcome{}, err
	}
	r.reg.putSet(sd.Name, set)
	digest, err := r.generator.Harvester.Digest(set)
	if err != nil {
		return outcome{}, fmt.Errorf("digest artifacts: %w", err)
	}
	return outcome{artifacts: set.Paths(), digest: digest}, nil
}

// patchRoots lists the directories a patch stage rewrites.
func (r *stageRunner) patchRoots(sd *StageDef) ([]string, error) {
	spec := sd.Patch
	if spec.Root != "" {
		return []string{r.cfg.Abs(spec.Root)}, nil
	}
	var sets []*core.GeneratedArtifactSet
	if len(spec.Targets) > 0 {
		for _, name := range spec.Targets {
			set, ok := r.reg.set(name)
			if !ok {
				return nil, fmt.Errorf("generation target %q was not produced by any upstream stage", name)
			}
			sets = append(sets, set)
		}
	} else {
		sets = nearest(r.upstreamLevels(sd), r.reg.setsOf)
	}
	if len(sets) == 0 {
		return nil, errors.New("nothing to patch: no root and no upstream artifacts")
	}
	return lo.Uniq(lo.Map(sets, func(s *core.GeneratedArtifactSet, _ int) string { return s.Root })), nil
}

func (r *stageRunner) runPatch(sd *StageDef) (outcome, error) {
	roots, err := r.patchRoots(sd)
	if err != nil {
		return outcome{}, err
	}
	var changed []string
	for _, root := range roots {
		results, err := r.patcher.ApplyRules(root, sd.Patch.Rules)
		if err != nil {
			return outcome{}, err
		}
		for _, res := range results {
			if res.Outcome == patch.OutcomeApplied {
				changed = append(changed, filepath.Join(root, filepath.FromSlash(res.Path)))
			}
		}
	}
	return outcome{artifacts: lo.Uniq(r.relPaths(changed))}, nil
}

func (r *stageRunner) runPublish(ctx context.Context, sd *StageDef) (outcome, error) {
	t := sd.Publish.Target
	if t.Name == "" {
		t.Name = sd.Name
	}

	var set *core.GeneratedArtifactSet
	if sd.Publish.From != "" {
		set, _ = r.reg.set(sd.Publish.From)
	} else if sets := nearest(r.upstreamLevels(sd), r.reg.setsOf); len(sets) > 0 {
		set = sets[0]
	}

	pub, err := r.publisher.Publish(ctx, t, set)
	if err != nil {
		return outcome{}, err
	}
	if pub.Phase() != publish.PhaseMarkdownInserted {
		return outcome{}, fmt.Errorf("publication stopped at %s", pub.Phase())
	}
	return outcome{artifacts: r.relPaths([]string{r.cfg.Abs(t.DocPath())})}, nil
}

// upstreamLevels groups sd's ancestors by distance: the declared
// dependencies first, in declared order, then their dependencies.
func (r *stageRunner) upstreamLevels(sd *StageDef) [][]string {
	seen := make(map[string]bool)
	level := lo.Filter(sd.DependsOn, func(name string, _ int) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		return true
	})
	var levels [][]string
	for len(level) > 0 {
		levels = append(levels, level)
		var next []string
		for _, name := range level {
			for _, dep := range r.graph.Dependencies(name) {
				if !seen[dep] {
					seen[dep] = true
					next = append(next, dep)
				}
			}
		}
		level = next
	}
	return levels
}

// nearest returns what the closest level of ancestors produced, so a patch
// stage between generation and publication does not hide the artifacts.
func nearest[T any](levels [][]string, of func([]string) []T) []T {
	for _, level := range levels {
		if found := of(level); len(found) > 0 {
			return found
		}
	}
	return nil
}

var docRef = regexp.MustCompile(`\{doc:([^}]+)\}`)

// expandArgs substitutes {workdir} and {doc:NAME}.
func (r *stageRunner) expandArgs(args []string) ([]string, error) {
	out := make([]string, len(args))
	var missing []string
	for i, a := range args {
		a = docRef.ReplaceAllStringFunc(a, func(m string) string {
			name := docRef.FindStringSubmatch(m)[1]
			doc, ok := r.reg.doc(name)
			if !ok {
				missing = append(missing, name)
				return m
			}
			return doc.Path()
		})
		out[i] = strings.ReplaceAll(a, "{workdir}", r.cfg.Abs("."))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved documents: %v", lo.Uniq(missing))
	}
	return out, nil
}

func (r *stageRunner) runExec(ctx context.Context, sd *StageDef) (outcome, error) {
	spec := sd.Exec
	args, err := r.expandArgs(spec.Args)
	if err != nil {
		return outcome{}, err
	}
	dir := r.cfg.Abs(".")
	if spec.Dir != "" {
		dir = r.cfg.Abs(spec.Dir)
	}

	inv := core.Invocation{Program: spec.Program, Args: args, Dir: dir, Env: spec.Env}
	r.logger.Debug("invoking tool", logging.String("stage", sd.Name), logging.String("invocation", inv.String()))
	res, err := r.invoker.Invoke(ctx, inv)
	if err != nil {
		return outcome{output: res.CombinedOutput()}, fmt.Errorf("invoke %s: %w", spec.Program, err)
	}
	if !res.Succeeded() {
		return outcome{output: res.CombinedOutput()}, fmt.Errorf("%s exited with code %d", spec.Program, res.ExitCode)
	}
	if len(sd.Outputs) > 0 && !core.AllExist(r.cfg.Workdir, sd.Outputs) {
		return outcome{output: res.CombinedOutput()}, fmt.Errorf("declared outputs missing after %s", spec.Program)
	}
	return outcome{artifacts: sd.Outputs, output: res.CombinedOutput()}, nil
}
