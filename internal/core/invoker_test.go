package core

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecInvoker_UndeclaredHostVarsInvisible(t *testing.T) {
	t.Setenv("GENWEAVER_SECRET_HOST_VAR", "should_not_see_this")

	inv := NewExecInvoker(t.TempDir(), []string{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := inv.Invoke(ctx, Invocation{
		Program: "/bin/sh",
		Args:    []string{"-c", `echo "VAR=${GENWEAVER_SECRET_HOST_VAR:-unset}"`},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	stdout := string(res.Stdout)
	if strings.Contains(stdout, "should_not_see_this") {
		t.Errorf("tool observed undeclared host variable: %s", stdout)
	}
	if !strings.Contains(stdout, "VAR=unset") {
		t.Errorf("expected VAR=unset, got: %s", stdout)
	}
}

func TestExecInvoker_PassEnvAndInvocationEnv(t *testing.T) {
	t.Setenv("GENWEAVER_PASSED", "host-value")

	inv := NewExecInvoker(t.TempDir(), []string{"GENWEAVER_PASSED"})
	res, err := inv.Invoke(context.Background(), Invocation{
		Program: "/bin/sh",
		Args:    []string{"-c", `echo "$GENWEAVER_PASSED $GENWEAVER_EXTRA"`},
		Env:     map[string]string{"GENWEAVER_EXTRA": "declared"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "host-value declared" {
		t.Fatalf("unexpected stdout %q", got)
	}
}

func TestExecInvoker_NonZeroExitIsNotAnError(t *testing.T) {
	inv := NewExecInvoker(t.TempDir(), []string{})
	res, err := inv.Invoke(context.Background(), Invocation{
		Program: "/bin/sh",
		Args:    []string{"-c", "echo broken >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Succeeded() {
		t.Fatalf("expected Succeeded()=false")
	}
	if !strings.Contains(string(res.CombinedOutput()), "broken") {
		t.Fatalf("stderr not captured: %q", res.CombinedOutput())
	}
}

func TestExecInvoker_UsesInvocationDir(t *testing.T) {
	dir := t.TempDir()
	inv := NewExecInvoker("/", []string{})
	res, err := inv.Invoke(context.Background(), Invocation{
		Program: "/bin/sh",
		Args:    []string{"-c", "pwd"},
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(res.Stdout)), strings.TrimPrefix(dir, "/private")) {
		t.Fatalf("expected cwd %s, got %q", dir, res.Stdout)
	}
}

func TestExecInvoker_CancellationKillsTool(t *testing.T) {
	inv := NewExecInvoker(t.TempDir(), []string{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := inv.Invoke(ctx, Invocation{Program: "/bin/sh", Args: []string{"-c", "sleep 10"}})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("tool was not killed on cancellation")
	}
}

func TestExecInvoker_MissingProgram(t *testing.T) {
	inv := NewExecInvoker(t.TempDir(), []string{})
	if _, err := inv.Invoke(context.Background(), Invocation{}); err == nil {
		t.Fatalf("expected error for empty program")
	}
	if _, err := inv.Invoke(context.Background(), Invocation{Program: "/nonexistent/genweaver-tool"}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestInvokerFunc(t *testing.T) {
	var got Invocation
	var inv Invoker = InvokerFunc(func(_ context.Context, i Invocation) (*InvocationResult, error) {
		got = i
		return &InvocationResult{}, nil
	})
	if _, err := inv.Invoke(context.Background(), Invocation{Program: "gen", Args: []string{"-i", "a.json"}}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got.String() != "gen -i a.json" {
		t.Fatalf("unexpected invocation %q", got.String())
	}
}
