package dag

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"genweaver/internal/core"
)

func TestSelect_TargetAndAncestorsOnly(t *testing.T) {
	g, err := NewStageGraphFromStages([]core.Stage{
		stage("resolve-http"),
		stage("resolve-drive"),
		stage("generate-client", "resolve-http", "resolve-drive"),
		stage("patch-client", "generate-client"),
		stage("preprocess"),
		stage("compileJJ", "preprocess"),
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	sub, err := Select(g, []string{"generate-client"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	got := sub.TopologicalOrder()
	sort.Strings(got)
	want := []string{"generate-client", "resolve-drive", "resolve-http"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(sub.Edges()) != 2 {
		t.Fatalf("expected 2 edges, got %v", sub.Edges())
	}
}

func TestSelect_MultipleTargetsAndNoTargets(t *testing.T) {
	g, err := NewStageGraphFromStages([]core.Stage{
		stage("A"), stage("B", "A"), stage("C"), stage("D", "C"),
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	sub, err := Select(g, []string{"B", "C"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sub.Len() != 3 {
		t.Fatalf("expected 3 stages, got %v", sub.TopologicalOrder())
	}
	if _, ok := sub.Node("D"); ok {
		t.Fatalf("D should not be selected")
	}

	all, err := Select(g, nil)
	if err != nil || all != g {
		t.Fatalf("expected the full graph for no targets, got %v %v", all, err)
	}
}

func TestSelect_UnknownTarget(t *testing.T) {
	g, err := NewStageGraphFromStages([]core.Stage{stage("A")})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	_, err = Select(g, []string{"zeta", "nope"})
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	var ge *GraphError
	if !errors.As(err, &ge) || !reflect.DeepEqual(ge.Stages, []string{"nope", "zeta"}) {
		t.Fatalf("expected every unknown target reported, got %v", err)
	}
}
