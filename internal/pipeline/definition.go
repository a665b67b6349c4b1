package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"genweaver/internal/core"
	"genweaver/internal/generate"
	"genweaver/internal/publish"
	"genweaver/internal/resolve"
)

// Definition is a parsed pipeline file.
type Definition struct {
	Name   string     `yaml:"name" validate:"required"`
	Stages []StageDef `yaml:"stages" validate:"required,min=1,dive"`
}

// StageDef is one stage: the scheduling fields of core.Stage plus exactly
// one kind-specific section matching Kind.
type StageDef struct {
	core.Stage `yaml:",inline"`

	Resolve  *ResolveSpec  `yaml:"resolve,omitempty" json:"resolve,omitempty"`
	Generate *GenerateSpec `yaml:"generate,omitempty" json:"generate,omitempty"`
	Patch    *PatchSpec    `yaml:"patch,omitempty" json:"patch,omitempty"`
	Publish  *PublishSpec  `yaml:"publish,omitempty" json:"publish,omitempty"`
	Exec     *ExecSpec     `yaml:"exec,omitempty" json:"exec,omitempty"`
}

// ResolveSpec lists the roots a resolve stage consolidates.
type ResolveSpec struct {
	Roots []resolve.Root `yaml:"roots" json:"roots" validate:"required,min=1,dive"`
}

// GenerateSpec is a generation target plus the documents feeding it.
type GenerateSpec struct {
	generate.Target `yaml:",inline"`

	// Documents names resolved documents by root name. Empty means every
	// document produced by the nearest upstream stages that resolved any.
	Documents []string `yaml:"documents,omitempty" json:"documents,omitempty"`
}

// PatchSpec applies rules below one or more generated roots.
type PatchSpec struct {
	// Targets names generation targets whose output roots are patched.
	// Empty means every artifact set of the nearest generating ancestors.
	Targets []string `yaml:"targets,omitempty" json:"targets,omitempty"`

	// Root patches a fixed directory instead of generated output.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`

	Rules []core.PatchRule `yaml:"rules" json:"rules" validate:"required,min=1"`
}

// PublishSpec publishes one generated artifact set.
type PublishSpec struct {
	publish.Target `yaml:",inline"`

	// From names the generation target to publish. Empty means the first
	// artifact set of the nearest generating ancestors.
	From string `yaml:"from,omitempty" json:"from,omitempty"`
}

// ExecSpec runs an arbitrary tool, e.g. a parser generator over a resolved
// grammar. {doc:NAME} in args expands to the persisted path of document NAME.
type ExecSpec struct {
	Program string            `yaml:"program" json:"program" validate:"required"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// DefinitionError reports an unreadable or invalid pipeline file.
type DefinitionError struct {
	Path string
	Err  error
}

func (e *DefinitionError) Error() string {
	if e.Path == "" {
		return "pipeline definition: " + e.Err.Error()
	}
	return fmt.Sprintf("pipeline definition %s: %v", e.Path, e.Err)
}

func (e *DefinitionError) Unwrap() error { return e.Err }

var validate = validator.New()

// LoadDefinition reads and validates the pipeline file at path.
func LoadDefinition(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DefinitionError{Path: path, Err: err}
	}
	defer f.Close()

	def, err := ParseDefinition(f)
	if err != nil {
		var de *DefinitionError
		if errors.As(err, &de) {
			de.Path = path
			return nil, de
		}
		return nil, &DefinitionError{Path: path, Err: err}
	}
	return def, nil
}

// ParseDefinition decodes a pipeline from r. Unknown fields are rejected so
// a misspelt option fails loudly instead of being ignored.
func ParseDefinition(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &DefinitionError{Err: errors.New("empty document")}
		}
		return nil, &DefinitionError{Err: err}
	}
	if err := def.Validate(); err != nil {
		return nil, &DefinitionError{Err: err}
	}
	for i := range def.Stages {
		digest, err := def.Stages[i].digest()
		if err != nil {
			return nil, &DefinitionError{Err: fmt.Errorf("stage %q: %w", def.Stages[i].Name, err)}
		}
		def.Stages[i].Stage.Digest = digest
	}
	return &def, nil
}

// Validate checks struct tags and that every stage carries exactly the
// section its kind requires. Graph shape is checked later by dag.
func (d *Definition) Validate() error {
	var errs []error
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
	}

	roots := make(map[string]string)
	for i, st := range d.Stages {
		if strings.TrimSpace(st.Name) == "" {
			errs = append(errs, fmt.Errorf("stages[%d]: name is required", i))
			continue
		}
		if !st.Kind.Valid() {
			errs = append(errs, fmt.Errorf("stage %q: unknown kind %q", st.Name, st.Kind))
			continue
		}
		sections := []struct {
			kind    core.StageKind
			present bool
		}{
			{core.KindResolve, st.Resolve != nil},
			{core.KindGenerate, st.Generate != nil},
			{core.KindPatch, st.Patch != nil},
			{core.KindPublish, st.Publish != nil},
			{core.KindExec, st.Exec != nil},
		}
		for _, sec := range sections {
			if sec.kind == st.Kind && !sec.present {
				errs = append(errs, fmt.Errorf("stage %q: kind %s requires a %q section", st.Name, sec.kind, sec.kind))
			}
			if sec.kind != st.Kind && sec.present {
				errs = append(errs, fmt.Errorf("stage %q: unexpected %q section for kind %s", st.Name, sec.kind, st.Kind))
			}
		}
		if st.Generate != nil {
			if st.Generate.Lang == "" {
				errs = append(errs, fmt.Errorf("stage %q: generate.lang is required", st.Name))
			}
			if out := st.Generate.OutputRoot; out != "" && !relativeBelow(out) {
				errs = append(errs, fmt.Errorf("stage %q: generate.output %q must be a relative path below the workdir", st.Name, out))
			}
		}
		if st.Resolve != nil {
			for _, root := range st.Resolve.Roots {
				name := root.DisplayName()
				if prev, ok := roots[name]; ok {
					errs = append(errs, fmt.Errorf("stage %q: resolve root %q already declared by stage %q", st.Name, name, prev))
					continue
				}
				roots[name] = st.Name
			}
		}
		if st.Publish != nil && (st.Publish.StagingDir == "" || st.Publish.DocsTree == "") {
			errs = append(errs, fmt.Errorf("stage %q: publish.staging and publish.docs_tree are required", st.Name))
		}
	}
	return errors.Join(errs...)
}

// relativeBelow reports whether p names a directory strictly inside the
// directory it is relative to.
func relativeBelow(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// CoreStages returns the scheduling view of every stage.
func (d *Definition) CoreStages() []core.Stage {
	out := make([]core.Stage, len(d.Stages))
	for i, s := range d.Stages {
		out[i] = s.Stage
	}
	return out
}

// Stage returns the definition of the named stage.
func (d *Definition) Stage(name string) (*StageDef, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// digest hashes the kind-specific section. encoding/json sorts map keys, so
// equal configurations always hash equally.
func (s StageDef) digest() (string, error) {
	var section any
	switch s.Kind {
	case core.KindResolve:
		section = s.Resolve
	case core.KindGenerate:
		section = s.Generate
	case core.KindPatch:
		section = s.Patch
	case core.KindPublish:
		section = s.Publish
	case core.KindExec:
		section = s.Exec
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(section); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
