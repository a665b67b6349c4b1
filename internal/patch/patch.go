// Package patch applies idempotent textual fixes to generated files.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/tools/imports"

	"genweaver/internal/core"
	"genweaver/internal/logging"
)

var (
	// ErrNoMatch means a non-optional rule found nothing to replace.
	ErrNoMatch = errors.New("patch: match not found")

	// ErrNotIdempotent means the patched text does not reach the rule's
	// wanted state, so a second run would patch again.
	ErrNotIdempotent = errors.New("patch: result does not contain wanted text")

	// ErrNoTarget means a non-optional rule's target matched no file.
	ErrNoTarget = errors.New("patch: target not found")

	ErrUnknownKind = errors.New("patch: unknown rule kind")
)

// Outcome of applying one rule to one file.
type Outcome int

const (
	// OutcomeApplied means the file was rewritten.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means the file already held the wanted state (or an
	// optional rule found nothing to do) and was not written.
	OutcomeSkipped
)

func (o Outcome) String() string {
	if o == OutcomeSkipped {
		return "PatchSkipped"
	}
	return "Applied"
}

// Apply patches path according to rule.
//
// The file is written only when its content changes, so applying the same
// rule twice leaves the file, and its modification time, as the first
// application left it.
func Apply(path string, rule core.PatchRule) (Outcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return OutcomeSkipped, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return OutcomeSkipped, err
	}

	enc := detectEncoding(raw)
	text, err := enc.decode(raw)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("decode %s as %s: %w", path, enc.name, err)
	}

	var patched string
	switch rule.EffectiveKind() {
	case core.PatchReplace:
		var done bool
		patched, done, err = replace(text, rule)
		if err != nil || done {
			return OutcomeSkipped, err
		}
	case core.PatchGoImports:
		out, err := imports.Process(path, []byte(text), &imports.Options{Comments: true, TabIndent: true, TabWidth: 8})
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("goimports %s: %w", path, err)
		}
		patched = string(out)
		if patched == text {
			return OutcomeSkipped, nil
		}
	default:
		return OutcomeSkipped, fmt.Errorf("%w: %q", ErrUnknownKind, rule.Kind)
	}

	data, err := enc.encode(patched)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("encode %s as %s: %w", path, enc.name, err)
	}
	if err := core.WriteFileAtomic(path, data, info.Mode().Perm()); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeApplied, nil
}

// replace returns the patched text, or done=true when there is nothing to do.
func replace(text string, rule core.PatchRule) (string, bool, error) {
	want := rule.Want()
	if want != "" && strings.Contains(text, want) {
		return text, true, nil
	}

	var (
		out     string
		matched bool
		re      *regexp.Regexp
	)
	if rule.Regexp {
		var err error
		re, err = regexp.Compile(rule.Match)
		if err != nil {
			return "", false, fmt.Errorf("compile match %q: %w", rule.Match, err)
		}
		out, matched = replaceRegexp(re, text, rule.Replacement, rule.All)
	} else if rule.Match != "" && strings.Contains(text, rule.Match) {
		matched = true
		n := 1
		if rule.All {
			n = -1
		}
		out = strings.Replace(text, rule.Match, rule.Replacement, n)
	}

	if !matched {
		// Without wanted text the applied state is the absence of the match.
		if want == "" || rule.Optional {
			return text, true, nil
		}
		return "", false, ErrNoMatch
	}
	if want != "" && !strings.Contains(out, want) {
		return "", false, ErrNotIdempotent
	}
	if want == "" && re != nil && re.MatchString(out) {
		return "", false, ErrNotIdempotent
	}
	return out, out == text, nil
}

func replaceRegexp(re *regexp.Regexp, text, repl string, all bool) (string, bool) {
	if all {
		if !re.MatchString(text) {
			return text, false
		}
		return re.ReplaceAllString(text, repl), true
	}
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, false
	}
	var b strings.Builder
	b.WriteString(text[:loc[0]])
	b.Write(re.ExpandString(nil, repl, text, loc))
	b.WriteString(text[loc[1]:])
	return b.String(), true
}

// Result records what a rule did to one file.
type Result struct {
	Rule    string
	Path    string
	Outcome Outcome
}

// PostProcessor applies rule lists below an output root.
type PostProcessor struct {
	logger logging.Logger
}

// NewPostProcessor returns a PostProcessor. A nil logger discards output.
func NewPostProcessor(logger logging.Logger) *PostProcessor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PostProcessor{logger: logger}
}

// ApplyRules applies each rule to every file its Target (a path or glob
// relative to root) matches. Rules run in order; the first error stops.
func (p *PostProcessor) ApplyRules(root string, rules []core.PatchRule) ([]Result, error) {
	var results []Result
	for i, rule := range rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
		}

		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(rule.Target)))
		if err != nil {
			return results, fmt.Errorf("%s: bad target %q: %w", name, rule.Target, err)
		}
		if len(matches) == 0 {
			if rule.Optional {
				p.logger.Info("patch target absent", logging.String("rule", name), logging.String("target", rule.Target))
				continue
			}
			return results, fmt.Errorf("%s: %w: %s", name, ErrNoTarget, rule.Target)
		}

		for _, path := range matches {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				continue
			}
			outcome, err := Apply(path, rule)
			rel, _ := filepath.Rel(root, path)
			rel = filepath.ToSlash(rel)
			if err != nil {
				return results, fmt.Errorf("%s: %s: %w", name, rel, err)
			}
			results = append(results, Result{Rule: name, Path: rel, Outcome: outcome})
			if outcome == OutcomeSkipped {
				p.logger.Info("PatchSkipped", logging.String("rule", name), logging.String("path", rel))
			} else {
				p.logger.Debug("patch applied", logging.String("rule", name), logging.String("path", rel))
			}
		}
	}
	return results, nil
}
