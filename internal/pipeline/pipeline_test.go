package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genweaver/internal/core"
	"genweaver/internal/dag"
	"genweaver/internal/resolve"
	"genweaver/internal/state"
	"genweaver/internal/trace"
)

const httpPipeline = `
name: http-api
stages:
  - name: resolve-http
    kind: resolve
    resolve:
      roots:
        - name: http_api
          root: specs/http
  - name: generate-java
    kind: generate
    depends_on: [resolve-http]
    generate:
      lang: java
      output: build/generated/java
  - name: patch-java
    kind: patch
    depends_on: [generate-java]
    patch:
      rules:
        - name: extend-base
          target: src/main/java/api/*.java
          match: "public class http_apiApi {}"
          replacement: "public class http_apiApi extends BaseApi {}"
  - name: publish-docs
    kind: publish
    depends_on: [patch-java]
    publish:
      title: HTTP API
      staging: build/site
      docs_tree: docs
`

func writeHTTPSpec(t *testing.T, dir, operationID string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "specs", "http", "index.yaml"), `
openapi: 3.0.1
info:
  title: HTTP API
  version: "1"
paths:
  /folders:
    $ref: paths/folders.yaml
`)
	writeFile(t, filepath.Join(dir, "specs", "http", "paths", "folders.yaml"), `
get:
  operationId: `+operationID+`
  responses:
    "200":
      description: ok
`)
}

func eventKinds(tr trace.ExecutionTrace, stage string) []trace.EventKind {
	var kinds []trace.EventKind
	for _, e := range tr.Events {
		if e.Stage == stage {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

func stageState(t *testing.T, rep *Report, name string) dag.StageState {
	t.Helper()
	s, ok := rep.Stage(name)
	require.True(t, ok, "stage %q missing from report", name)
	return s.State
}

func TestRun_ResolveGeneratePatchPublish(t *testing.T) {
	dir := t.TempDir()
	writeHTTPSpec(t, dir, "listFolders")
	tc := newToolchain()

	o := newTestOrchestrator(testConfig(dir), parse(t, httpPipeline), tc, nil)
	rep, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.True(t, rep.Succeeded())

	resolved := readFile(t, filepath.Join(dir, "build", "resolved", "http_api.json"))
	assert.Contains(t, resolved, `"operationId": "listFolders"`)
	assert.NotContains(t, resolved, "$ref")

	api := readFile(t, filepath.Join(dir, "build", "generated", "java", "src", "main", "java", "api", "http_apiApi.java"))
	assert.Contains(t, api, "extends BaseApi")

	readme := readFile(t, filepath.Join(dir, "docs", "README.md"))
	assert.Contains(t, readme, "<!-- genweaver:begin publish-docs -->")
	assert.Contains(t, readme, "Generated client.")
	assert.FileExists(t, filepath.Join(dir, "build", "site", "publish-docs.html"))

	assert.Equal(t, 1, tc.count("openapi-generator-cli"))
	for _, name := range []string{"resolve-http", "generate-java", "patch-java", "publish-docs"} {
		assert.Equal(t, dag.StageCompleted, stageState(t, rep, name))
		assert.Equal(t, []trace.EventKind{trace.EventStageExecuted}, eventKinds(rep.Trace, name))
	}
}

func TestRun_IncrementalSkipsUnchangedStages(t *testing.T) {
	dir := t.TempDir()
	writeHTTPSpec(t, dir, "listFolders")
	tc := newToolchain()
	store := openStore(t, dir)
	o := newTestOrchestrator(testConfig(dir), parse(t, httpPipeline), tc, store)
	incremental := RunOptions{Mode: state.ExecutionModeIncremental}

	_, err := o.Run(context.Background(), incremental)
	require.NoError(t, err)
	require.Equal(t, 1, tc.count("openapi-generator-cli"))

	rep, err := o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, 1, tc.count("openapi-generator-cli"), "unchanged pipeline must not regenerate")
	for _, name := range []string{"resolve-http", "generate-java", "patch-java", "publish-docs"} {
		s, _ := rep.Stage(name)
		assert.Equal(t, dag.StageUpToDate, s.State, name)
		assert.Equal(t, ReasonFingerprintMatch, s.Reason, name)
	}
	assert.Equal(t,
		[]trace.EventKind{trace.EventStageUpToDate, trace.EventStageArtifactsRestored},
		eventKinds(rep.Trace, "generate-java"))

	// A change in a referenced file invalidates everything downstream of it.
	writeHTTPSpec(t, dir, "listAllFolders")
	rep, err = o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, 2, tc.count("openapi-generator-cli"))
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "resolve-http"))
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "generate-java"))
	assert.Contains(t, readFile(t, filepath.Join(dir, "build", "resolved", "http_api.json")), "listAllFolders")

	// Full mode ignores the records.
	rep, err = o.Run(context.Background(), RunOptions{Mode: state.ExecutionModeFull})
	require.NoError(t, err)
	assert.Equal(t, 3, tc.count("openapi-generator-cli"))

	runs, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	for _, r := range runs {
		assert.Equal(t, state.RunStatusSucceeded, r.Status)
	}
}

func TestRun_IncrementalTracksReferencedFilesOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "specs", "api.yaml"), "paths:\n  /folders:\n    $ref: ../shared/folders.yaml\n")
	writeFile(t, filepath.Join(dir, "shared", "folders.yaml"), "get:\n  operationId: listFolders\n")
	store := openStore(t, dir)
	o := newTestOrchestrator(testConfig(dir), parse(t, `
name: shared-refs
stages:
  - name: resolve-api
    kind: resolve
    resolve:
      roots: [{name: api, root: specs/api.yaml}]
`), newToolchain(), store)
	incremental := RunOptions{Mode: state.ExecutionModeIncremental}
	resolved := filepath.Join(dir, "build", "resolved", "api.json")

	rep, err := o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "resolve-api"))
	rec, err := store.LoadStage("resolve-api")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/folders.yaml", "specs/api.yaml"}, rec.Sources)

	rep, err = o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, dag.StageUpToDate, stageState(t, rep, "resolve-api"))

	writeFile(t, filepath.Join(dir, "shared", "folders.yaml"), "get:\n  operationId: listAllFolders\n")
	rep, err = o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "resolve-api"))
	assert.Contains(t, readFile(t, resolved), "listAllFolders")

	rep, err = o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, dag.StageUpToDate, stageState(t, rep, "resolve-api"))

	// A referenced file that disappears forces the stage to run and report it.
	require.NoError(t, os.Remove(filepath.Join(dir, "shared", "folders.yaml")))
	_, err = o.Run(context.Background(), incremental)
	assert.ErrorIs(t, err, resolve.ErrUnreadableRef)
}

func TestRun_DependentsRerunWhenUpstreamReran(t *testing.T) {
	dir := t.TempDir()
	writeHTTPSpec(t, dir, "listFolders")
	tc := newToolchain()
	o := newTestOrchestrator(testConfig(dir), parse(t, httpPipeline), tc, openStore(t, dir))
	incremental := RunOptions{Mode: state.ExecutionModeIncremental}
	api := filepath.Join(dir, "build", "generated", "java", "src", "main", "java", "api", "http_apiApi.java")

	_, err := o.Run(context.Background(), incremental)
	require.NoError(t, err)

	// Lost generated output is regenerated unpatched, so the patch must follow.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "build", "generated")))
	rep, err := o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, 2, tc.count("openapi-generator-cli"))
	assert.Equal(t, dag.StageUpToDate, stageState(t, rep, "resolve-http"))
	for _, name := range []string{"generate-java", "patch-java", "publish-docs"} {
		assert.Equal(t, dag.StageCompleted, stageState(t, rep, name), name)
	}
	assert.Contains(t, readFile(t, api), "extends BaseApi")

	rep, err = o.Run(context.Background(), incremental)
	require.NoError(t, err)
	for _, name := range []string{"resolve-http", "generate-java", "patch-java", "publish-docs"} {
		assert.Equal(t, dag.StageUpToDate, stageState(t, rep, name), name)
	}

	// An upstream re-executed by an earlier targeted run counts too.
	_, err = o.Run(context.Background(), RunOptions{Targets: []string{"generate-java"}, Mode: state.ExecutionModeFull})
	require.NoError(t, err)
	assert.NotContains(t, readFile(t, api), "extends BaseApi")

	rep, err = o.Run(context.Background(), incremental)
	require.NoError(t, err)
	assert.Equal(t, dag.StageUpToDate, stageState(t, rep, "generate-java"))
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "patch-java"))
	assert.Contains(t, readFile(t, api), "extends BaseApi")
}

func TestRun_CycleIsRejectedBeforeAnySideEffect(t *testing.T) {
	dir := t.TempDir()
	tc := newToolchain()
	store := openStore(t, dir)
	def := parse(t, `
name: loop
stages:
  - name: a
    kind: exec
    depends_on: [b]
    exec: {program: touch, args: [a.txt]}
  - name: b
    kind: exec
    depends_on: [a]
    exec: {program: touch, args: [b.txt]}
`)
	rep, err := newTestOrchestrator(testConfig(dir), def, tc, store).Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.True(t, errors.Is(err, dag.ErrCycleFound), "got %v", err)
	assert.Equal(t, 0, tc.count("touch"))
	assert.NoFileExists(t, filepath.Join(dir, "a.txt"))

	runs, err := store.ListRuns()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_MalformedRootNeverReachesGenerator(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "specs", "http", "index.yaml"), "paths: [unclosed\n")
	tc := newToolchain()
	store := openStore(t, dir)

	rep, err := newTestOrchestrator(testConfig(dir), parse(t, httpPipeline), tc, store).Run(context.Background(), RunOptions{})
	require.Error(t, err)
	require.NotNil(t, rep)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "resolve-http", serr.Stage)
	assert.ErrorIs(t, err, resolve.ErrMalformed)
	assert.Equal(t, 0, tc.count("openapi-generator-cli"))

	assert.Equal(t, "resolve-http", rep.FailedStage)
	assert.Equal(t, dag.StageFailed, stageState(t, rep, "resolve-http"))
	for _, name := range []string{"generate-java", "patch-java", "publish-docs"} {
		assert.Equal(t, dag.StageCancelled, stageState(t, rep, name))
	}
	for _, e := range rep.Trace.Events {
		if e.Kind == trace.EventStageCancelled {
			assert.Equal(t, ReasonUpstreamFailed, e.Reason)
			assert.Equal(t, "resolve-http", e.CauseStage)
		}
	}

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunStatusFailed, runs[0].Status)
	f, err := store.LoadFailure(runs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, state.FailureClassResolution, f.FailureClass)
}

const diamondPipeline = `
name: diamond
stages:
  - name: a
    kind: exec
    exec: {program: touch, args: [a.txt], env: {DELAY_MS: "40"}}
  - name: b
    kind: exec
    depends_on: [a]
    exec: {program: touch, args: [b.txt], env: {DELAY_MS: "30"}}
  - name: c
    kind: exec
    depends_on: [a]
    exec: {program: touch, args: [c.txt], env: {DELAY_MS: "5"}}
  - name: d
    kind: exec
    depends_on: [b, c]
    exec: {program: touch, args: [d.txt]}
`

func TestRun_ParallelNeverStartsBeforeDependencies(t *testing.T) {
	dir := t.TempDir()
	tc := newToolchain()
	cfg := testConfig(dir)

	rep, err := newTestOrchestrator(cfg, parse(t, diamondPipeline), tc, nil).Run(context.Background(), RunOptions{Parallel: 4})
	require.NoError(t, err)
	require.True(t, rep.Succeeded())

	log := tc.log()
	at := func(ev string) int {
		i := slices.Index(log, ev)
		require.GreaterOrEqual(t, i, 0, "missing %s in %v", ev, log)
		return i
	}
	assert.Less(t, at("end:a.txt"), at("start:b.txt"))
	assert.Less(t, at("end:a.txt"), at("start:c.txt"))
	assert.Less(t, at("end:b.txt"), at("start:d.txt"))
	assert.Less(t, at("end:c.txt"), at("start:d.txt"))
}

func TestRun_TraceIndependentOfScheduling(t *testing.T) {
	hashFor := func(parallel int) string {
		dir := t.TempDir()
		rep, err := newTestOrchestrator(testConfig(dir), parse(t, diamondPipeline), newToolchain(), nil).
			Run(context.Background(), RunOptions{Parallel: parallel})
		require.NoError(t, err)
		h, err := rep.Trace.Hash()
		require.NoError(t, err)
		return h
	}
	assert.Equal(t, hashFor(1), hashFor(4))
}

const failingPipeline = `
name: failing
stages:
  - name: bad
    kind: exec
    exec: {program: "false"}
  - name: ok
    kind: exec
    exec: {program: touch, args: [ok.txt]}
  - name: after-ok
    kind: exec
    depends_on: [ok]
    exec: {program: touch, args: [after.txt]}
  - name: after-bad
    kind: exec
    depends_on: [bad]
    exec: {program: touch, args: [never.txt]}
`

func TestRun_FailFastCancelsPendingStages(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.FailFast = true

	rep, err := newTestOrchestrator(cfg, parse(t, failingPipeline), newToolchain(), nil).Run(context.Background(), RunOptions{Parallel: 2})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "bad", serr.Stage)
	require.NotNil(t, rep)

	assert.Equal(t, dag.StageFailed, stageState(t, rep, "bad"))
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "ok"))
	assert.Equal(t, dag.StageCancelled, stageState(t, rep, "after-ok"))
	assert.Equal(t, dag.StageCancelled, stageState(t, rep, "after-bad"))
	assert.NoFileExists(t, filepath.Join(dir, "after.txt"))

	reasons := map[string]string{}
	for _, e := range rep.Trace.Events {
		if e.Kind == trace.EventStageCancelled {
			reasons[e.Stage] = e.Reason
			assert.Equal(t, "bad", e.CauseStage)
		}
	}
	assert.Equal(t, map[string]string{"after-ok": ReasonAborted, "after-bad": ReasonUpstreamFailed}, reasons)

	bad, _ := rep.Stage("bad")
	assert.Equal(t, "boom", string(bad.Output))
}

func TestRun_WithoutFailFastIndependentBranchesFinish(t *testing.T) {
	dir := t.TempDir()
	rep, err := newTestOrchestrator(testConfig(dir), parse(t, failingPipeline), newToolchain(), nil).Run(context.Background(), RunOptions{Parallel: 2})
	require.Error(t, err)
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "after-ok"))
	assert.Equal(t, dag.StageCancelled, stageState(t, rep, "after-bad"))
	assert.FileExists(t, filepath.Join(dir, "after.txt"))
	assert.False(t, rep.Succeeded())
}

func TestRun_BestEffortFailureIsTolerated(t *testing.T) {
	dir := t.TempDir()
	def := parse(t, `
name: tolerant
stages:
  - name: lint
    kind: exec
    best_effort: true
    exec: {program: "false"}
  - name: build
    kind: exec
    depends_on: [lint]
    exec: {program: touch, args: [build.txt]}
`)
	rep, err := newTestOrchestrator(testConfig(dir), def, newToolchain(), nil).Run(context.Background(), RunOptions{Parallel: 1})
	require.NoError(t, err)
	assert.Equal(t, dag.StageTolerated, stageState(t, rep, "lint"))
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "build"))
	assert.Equal(t, []trace.EventKind{trace.EventStageTolerated}, eventKinds(rep.Trace, "lint"))
	assert.True(t, rep.Succeeded())
}

func TestRun_OnlyIfAndSkipIfExists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cached.txt"), "done")
	def := parse(t, `
name: conditional
stages:
  - name: optional
    kind: exec
    only_if: 'env("GENWEAVER_TEST_OPTIONAL") == "on"'
    exec: {program: touch, args: [optional.txt]}
  - name: cached
    kind: exec
    skip_if_exists: [cached.txt]
    exec: {program: touch, args: [cached.txt]}
  - name: final
    kind: exec
    depends_on: [optional, cached]
    exec: {program: touch, args: [final.txt]}
`)
	tc := newToolchain()
	o := newTestOrchestrator(testConfig(dir), def, tc, nil)

	rep, err := o.Run(context.Background(), RunOptions{Parallel: 1})
	require.NoError(t, err)
	optional, _ := rep.Stage("optional")
	assert.Equal(t, dag.StageSkipped, optional.State)
	assert.Equal(t, ReasonConditionFalse, optional.Reason)
	cached, _ := rep.Stage("cached")
	assert.Equal(t, dag.StageUpToDate, cached.State)
	assert.Equal(t, ReasonOutputsExist, cached.Reason)
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "final"))
	assert.Equal(t, []string{"start:final.txt", "end:final.txt"}, tc.log())

	t.Setenv("GENWEAVER_TEST_OPTIONAL", "on")
	rep, err = o.Run(context.Background(), RunOptions{Parallel: 1})
	require.NoError(t, err)
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "optional"))
	assert.FileExists(t, filepath.Join(dir, "optional.txt"))
}

func TestRun_TargetsSelectDependencyClosure(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(testConfig(dir), parse(t, diamondPipeline), newToolchain(), nil)

	rep, err := o.Run(context.Background(), RunOptions{Targets: []string{"b"}})
	require.NoError(t, err)
	names := make([]string, 0, len(rep.Stages))
	for _, s := range rep.Stages {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
	assert.NoFileExists(t, filepath.Join(dir, "d.txt"))

	_, err = o.Run(context.Background(), RunOptions{Targets: []string{"nope"}})
	assert.ErrorIs(t, err, dag.ErrUnknownTarget)
}

func TestRun_ExecExpandsDocumentsAndChecksOutputs(t *testing.T) {
	dir := t.TempDir()
	writeHTTPSpec(t, dir, "listFolders")
	def := parse(t, `
name: exec
stages:
  - name: resolve-http
    kind: resolve
    resolve:
      roots: [{name: http_api, root: specs/http}]
  - name: stamp
    kind: exec
    depends_on: [resolve-http]
    exec: {program: touch, args: ["{doc:http_api}.stamp"]}
  - name: liar
    kind: exec
    outputs: [promised.txt]
    exec: {program: touch, args: [other.txt]}
`)
	rep, err := newTestOrchestrator(testConfig(dir), def, newToolchain(), nil).Run(context.Background(), RunOptions{Parallel: 1})
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "build", "resolved", "http_api.json.stamp"))
	assert.Equal(t, dag.StageCompleted, stageState(t, rep, "stamp"))

	liar, _ := rep.Stage("liar")
	assert.Equal(t, dag.StageFailed, liar.State)
	assert.Contains(t, liar.Err.Error(), "declared outputs missing")
}

func TestRun_InvalidConditionRejected(t *testing.T) {
	def := parse(t, `
name: bad-condition
stages:
  - name: a
    kind: exec
    only_if: "stage +"
    exec: {program: touch, args: [a.txt]}
`)
	tc := newToolchain()
	_, err := newTestOrchestrator(testConfig(t.TempDir()), def, tc, nil).Run(context.Background(), RunOptions{})
	var derr *DefinitionError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 0, tc.count("touch"))
}

func TestPlan(t *testing.T) {
	o := newTestOrchestrator(testConfig(t.TempDir()), parse(t, diamondPipeline), newToolchain(), nil)
	plan, hash, err := o.Plan(nil)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	depths := map[string]int{}
	for _, p := range plan {
		depths[p.Name] = p.Depth
		assert.Equal(t, core.KindExec, p.Kind)
	}
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 1, "d": 2}, depths)
	assert.Equal(t, "d", plan[len(plan)-1].Name)

	var out strings.Builder
	require.NoError(t, PrintPlan(&out, plan, hash))
	assert.Contains(t, out.String(), "graph "+hash.String())
}

func TestReport_Print(t *testing.T) {
	dir := t.TempDir()
	rep, _ := newTestOrchestrator(testConfig(dir), parse(t, failingPipeline), newToolchain(), nil).Run(context.Background(), RunOptions{Parallel: 1})
	require.NotNil(t, rep)

	var out strings.Builder
	require.NoError(t, rep.Print(&out))
	s := out.String()
	assert.Contains(t, s, "STAGE")
	assert.Contains(t, s, "pipeline failing failed")
	assert.Contains(t, s, "failing stage: bad")
	assert.Contains(t, s, "boom")
}

func TestRun_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := openStore(t, dir)

	_, err := newTestOrchestrator(testConfig(dir), parse(t, diamondPipeline), newToolchain(), store).Run(ctx, RunOptions{Parallel: 1})
	require.ErrorIs(t, err, context.Canceled)

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	f, err := store.LoadFailure(runs[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, "Interrupted", f.ErrorCode)
	_, statErr := os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
