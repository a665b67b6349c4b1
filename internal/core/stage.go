package core

// StageKind names the handler a stage is dispatched to.
type StageKind string

const (
	KindResolve  StageKind = "resolve"
	KindGenerate StageKind = "generate"
	KindPatch    StageKind = "patch"
	KindPublish  StageKind = "publish"
	KindExec     StageKind = "exec"
)

// Valid reports whether k is one of the known stage kinds.
func (k StageKind) Valid() bool {
	switch k {
	case KindResolve, KindGenerate, KindPatch, KindPublish, KindExec:
		return true
	default:
		return false
	}
}

// Stage is one node of the pipeline graph.
//
// Only the fields below participate in scheduling. Kind-specific settings live
// in the pipeline definition and are summarized by Digest, so two stages with
// the same name but different settings never share a fingerprint.
type Stage struct {
	// Name is the unique identifier of the stage within one pipeline.
	Name string `json:"name" yaml:"name"`

	// Kind selects the handler.
	Kind StageKind `json:"kind" yaml:"kind"`

	// DependsOn lists upstream stage names. Every one of them must complete
	// successfully before this stage starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Inputs are file paths or glob patterns whose contents feed the
	// stage fingerprint.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs are the paths the stage owns. Two stages never share an output.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// SkipIfExists marks the stage up to date when every listed path exists.
	SkipIfExists []string `json:"skip_if_exists,omitempty" yaml:"skip_if_exists,omitempty"`

	// OnlyIf is a boolean expression; when it evaluates false the stage is skipped.
	OnlyIf string `json:"only_if,omitempty" yaml:"only_if,omitempty"`

	// BestEffort stages may fail without stopping their dependents.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`

	// Digest summarizes the kind-specific configuration.
	Digest string `json:"digest,omitempty" yaml:"-"`
}
