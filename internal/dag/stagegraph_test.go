package dag

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"genweaver/internal/core"
)

func stage(name string, deps ...string) core.Stage {
	return core.Stage{Name: name, Kind: core.KindExec, DependsOn: deps, Digest: "digest-" + name}
}

func TestGraphConstruction_SingleNode(t *testing.T) {
	g, err := NewStageGraphFromStages([]core.Stage{stage("resolve")})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if g.Hash() == "" {
		t.Fatalf("expected non-empty graph hash")
	}
	if got := g.TopologicalOrder(); len(got) != 1 || got[0] != "resolve" {
		t.Fatalf("unexpected topo order: %v", got)
	}
}

func TestGraphConstruction_DependencyChain(t *testing.T) {
	g, err := NewStageGraphFromStages([]core.Stage{
		stage("compileJJ", "replaceToken"),
		stage("preprocess"),
		stage("replaceToken", "preprocess"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	want := []string{"preprocess", "replaceToken", "compileJJ"}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if d, _ := g.Depth("compileJJ"); d != 2 {
		t.Fatalf("expected depth 2, got %d", d)
	}
}

func TestGraphConstruction_DiamondDependency(t *testing.T) {
	// resolve -> generate-http, resolve -> generate-drive, both -> publish
	g, err := NewStageGraphFromStages([]core.Stage{
		stage("resolve"),
		stage("generate-http", "resolve"),
		stage("generate-drive", "resolve"),
		stage("publish", "generate-http", "generate-drive"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	pos := map[string]int{}
	for i, n := range g.TopologicalOrder() {
		pos[n] = i
	}
	if !(pos["resolve"] < pos["generate-http"] && pos["resolve"] < pos["generate-drive"]) {
		t.Fatalf("expected resolve first, got %v", g.TopologicalOrder())
	}
	if !(pos["generate-http"] < pos["publish"] && pos["generate-drive"] < pos["publish"]) {
		t.Fatalf("expected publish last, got %v", g.TopologicalOrder())
	}
	if deps := g.Dependencies("publish"); !reflect.DeepEqual(deps, []string{"generate-drive", "generate-http"}) {
		t.Fatalf("unexpected dependencies: %v", deps)
	}
	if deps := g.Dependents("resolve"); !reflect.DeepEqual(deps, []string{"generate-drive", "generate-http"}) {
		t.Fatalf("unexpected dependents: %v", deps)
	}
}

func TestGraphHash_InvariantToInsertionOrder(t *testing.T) {
	a := core.Stage{Name: "A", Kind: core.KindResolve, Inputs: []string{"b", "a"}, Digest: "A"}
	b := core.Stage{Name: "B", Kind: core.KindGenerate, DependsOn: []string{"A"}, Digest: "B"}
	c := core.Stage{Name: "C", Kind: core.KindGenerate, DependsOn: []string{"A"}, Digest: "C"}

	g1, err := NewStageGraphFromStages([]core.Stage{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2 := a
	a2.Inputs = []string{"a", "b"}
	g2, err := NewStageGraphFromStages([]core.Stage{c, b, a2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1.Hash() != g2.Hash() {
		t.Fatalf("expected equal graph hashes, got %s vs %s", g1.Hash(), g2.Hash())
	}

	b.Digest = "B2"
	g3, err := NewStageGraphFromStages([]core.Stage{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g3.Hash() == g1.Hash() {
		t.Fatalf("expected definition change to change graph hash")
	}
}

func TestGraphConstruction_RejectsInvalidDeclarations(t *testing.T) {
	cases := map[string][]core.Stage{
		"empty":          nil,
		"unnamed":        {{Kind: core.KindExec}},
		"duplicate":      {stage("A"), stage("A")},
		"unknown dep":    {stage("A", "missing")},
		"duplicate edge": {stage("A"), stage("B", "A", "A")},
		"shared output": {
			{Name: "A", Outputs: []string{"build/out"}},
			{Name: "B", Outputs: []string{"build/out"}},
		},
	}
	for name, stages := range cases {
		_, err := NewStageGraphFromStages(stages)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !errors.Is(err, ErrInvalidGraph) {
			t.Errorf("%s: expected invalid graph error, got %v", name, err)
		}
	}
}

func TestCycleDetection_SelfLoopRejected(t *testing.T) {
	_, err := NewStageGraphFromStages([]core.Stage{stage("A", "A")})
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected invalid graph error, got %v", err)
	}
}

func TestCycleDetection_TwoStageCycleRejectedWithWitness(t *testing.T) {
	_, err := NewStageGraphFromStages([]core.Stage{
		stage("stage1", "stage2"),
		stage("stage2", "stage1"),
	})
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	var ge *GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("expected *GraphError, got %T", err)
	}
	if !strings.Contains(ge.Msg, "stage1") || !strings.Contains(ge.Msg, "stage2") {
		t.Fatalf("expected witness naming both stages, got %q", ge.Msg)
	}
}

func TestCycleDetection_IndirectCycleWitnessIsDeterministic(t *testing.T) {
	stages := []core.Stage{
		stage("A", "C"),
		stage("B", "A"),
		stage("C", "B"),
		stage("D"),
	}
	_, err1 := NewStageGraphFromStages(stages)
	_, err2 := NewStageGraphFromStages([]core.Stage{stages[3], stages[2], stages[1], stages[0]})
	if !errors.Is(err1, ErrCycleFound) || !errors.Is(err2, ErrCycleFound) {
		t.Fatalf("expected cycle errors, got %v / %v", err1, err2)
	}
	if err1.Error() != err2.Error() {
		t.Fatalf("witness depends on declaration order: %q vs %q", err1, err2)
	}
	parts := err1.(*GraphError).Stages
	if len(parts) != 4 || parts[0] != "A" || parts[3] != "A" {
		t.Fatalf("expected closed 3-cycle witness starting at A, got %q", err1)
	}
}
