package cli

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"genweaver/internal/state"
)

func TestParseInvocation_DeterministicStruct(t *testing.T) {
	workDir := t.TempDir()
	args := []string{
		"--workdir", workDir,
		"--pipeline", "pipelines/../genweaver.yaml",
		"--config", "./conf/..//genweaver.config.yaml",
		"--mode", "Incremental",
		"--target", "publish-docs",
		"--target", "patch-java, generate-kotlin",
		"--parallel", "3",
		"--trace", "traces/../trace.json",
	}

	inv1, err := ParseInvocation(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv2, err := ParseInvocation(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(inv1, inv2) {
		t.Fatalf("expected identical invocations, got\n%#v\n%#v", inv1, inv2)
	}

	if inv1.PipelinePath != filepath.Join(workDir, "genweaver.yaml") {
		t.Fatalf("pipeline path not resolved/canonicalized: %q", inv1.PipelinePath)
	}
	if inv1.ConfigPath != filepath.Join(workDir, "genweaver.config.yaml") {
		t.Fatalf("config path not resolved/canonicalized: %q", inv1.ConfigPath)
	}
	if inv1.Mode != state.ExecutionModeIncremental {
		t.Fatalf("mode not normalized: %q", inv1.Mode)
	}
	if want := []string{"publish-docs", "patch-java", "generate-kotlin"}; !reflect.DeepEqual(inv1.Targets, want) {
		t.Fatalf("targets: got %v want %v", inv1.Targets, want)
	}
	if inv1.Parallel != 3 {
		t.Fatalf("parallel: got %d", inv1.Parallel)
	}
	if !inv1.Trace.Enabled || inv1.Trace.Path != filepath.Join(workDir, "trace.json") {
		t.Fatalf("trace not resolved/canonicalized: %#v", inv1.Trace)
	}
}

func TestParseInvocation_Defaults(t *testing.T) {
	workDir := t.TempDir()
	inv, err := ParseInvocation([]string{"--workdir", workDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.PipelinePath != filepath.Join(workDir, DefaultPipelineFile) {
		t.Fatalf("default pipeline: %q", inv.PipelinePath)
	}
	if inv.ConfigPath != filepath.Join(workDir, DefaultConfigFile) {
		t.Fatalf("default config: %q", inv.ConfigPath)
	}
	if inv.Mode != "" || inv.Parallel != 0 || inv.PlanOnly || inv.Trace.Enabled || len(inv.Targets) != 0 {
		t.Fatalf("expected config-driven defaults, got %#v", inv)
	}
}

func TestParseInvocation_ResolvesRelativePathsAgainstWorkDir_NotCwd(t *testing.T) {
	workDir := t.TempDir()
	otherCwd := t.TempDir()

	oldCwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })
	if err := os.Chdir(otherCwd); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	inv, err := ParseInvocation([]string{"--workdir", workDir, "--pipeline", "p.yaml"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.PipelinePath != filepath.Join(workDir, "p.yaml") {
		t.Fatalf("expected pipeline under workdir, got %q", inv.PipelinePath)
	}
}

func TestParseInvocation_Rejects(t *testing.T) {
	workDir := t.TempDir()
	cases := map[string][]string{
		"missing workdir":  {"--pipeline", "p.yaml"},
		"relative workdir": {"--workdir", "relative"},
		"bad mode":         {"--workdir", workDir, "--mode", "clean"},
		"negative":         {"--workdir", workDir, "--parallel", "-1"},
		"unknown flag":     {"--workdir", workDir, "--graph", "g.json"},
		"positional":       {"--workdir", workDir, "extra"},
		"dot pipeline":     {"--workdir", workDir, "--pipeline", "."},
	}
	for name, args := range cases {
		_, err := ParseInvocation(args)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if ExitCode(err) != ExitInvalidInvocation {
			t.Errorf("%s: expected exit code %d, got %d", name, ExitInvalidInvocation, ExitCode(err))
		}
	}
}

func TestParseInvocation_IgnoresEnvironmentVariables(t *testing.T) {
	workDir := t.TempDir()
	args := []string{"--workdir", workDir, "--mode", "full"}

	inv1, err := ParseInvocation(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("GENWEAVER_LOG_LEVEL", "debug")
	t.Setenv("MAX_PARALLEL_FORKS", "8")
	inv2, err := ParseInvocation(args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(inv1, inv2) {
		t.Fatalf("expected env vars to not affect parsing, got\n%#v\n%#v", inv1, inv2)
	}
}
