package core

// PatchKind selects how a PatchRule transforms its target.
type PatchKind string

const (
	// PatchReplace substitutes Match with Replacement.
	PatchReplace PatchKind = "replace"
	// PatchGoImports formats Go sources and fixes their import blocks.
	PatchGoImports PatchKind = "goimports"
)

// PatchRule is a (target, match predicate, replacement) triple.
//
// A rule must be idempotent: once the target contains Want() the rule is a
// no-op. For an insertion such as "class Node" -> "class Node extends Base",
// Want defaults to the replacement, which is exactly the substring whose
// presence proves the rule already ran. A regexp replacement may expand
// capture groups, so without Contains a regexp rule is applied once its
// pattern no longer matches.
type PatchRule struct {
	// Name identifies the rule in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kind defaults to PatchReplace.
	Kind PatchKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Target is a path or glob relative to the output root.
	Target string `json:"target" yaml:"target"`

	// Match is a literal substring, or a regular expression when Regexp is set.
	Match string `json:"match,omitempty" yaml:"match,omitempty"`

	// Replacement is the text substituted for Match. With Regexp set it may
	// reference capture groups ($1).
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`

	// Contains overrides the already-applied check.
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`

	Regexp bool `json:"regexp,omitempty" yaml:"regexp,omitempty"`

	// All replaces every occurrence instead of the first one only.
	All bool `json:"all,omitempty" yaml:"all,omitempty"`

	// Optional rules do not fail when nothing matches.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// EffectiveKind returns Kind with the default applied.
func (r PatchRule) EffectiveKind() PatchKind {
	if r.Kind == "" {
		return PatchReplace
	}
	return r.Kind
}

// Want returns the substring whose presence marks the rule as applied, or ""
// when the absence of Match marks it instead.
func (r PatchRule) Want() string {
	if r.Contains != "" {
		return r.Contains
	}
	if r.Regexp {
		return ""
	}
	return r.Replacement
}
