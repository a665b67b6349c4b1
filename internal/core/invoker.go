package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Invocation describes one call of an external tool.
type Invocation struct {
	// Program is the executable name or path. It is looked up on the PATH
	// visible to the invocation.
	Program string

	// Args are passed verbatim; no shell interprets them.
	Args []string

	// Dir is the working directory. Empty means the invoker's default.
	Dir string

	// Env holds variables added on top of the invoker's pass-through set.
	Env map[string]string
}

// String renders the invocation for logs.
func (i Invocation) String() string {
	var b bytes.Buffer
	b.WriteString(i.Program)
	for _, a := range i.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

// InvocationResult is what the pipeline observes of an external tool.
type InvocationResult struct {
	// ExitCode is 0 on success.
	ExitCode int

	Stdout []byte
	Stderr []byte
}

// Succeeded reports a zero exit status.
func (r *InvocationResult) Succeeded() bool { return r != nil && r.ExitCode == 0 }

// CombinedOutput returns stdout followed by stderr.
func (r *InvocationResult) CombinedOutput() []byte {
	if r == nil {
		return nil
	}
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	return append(out, r.Stderr...)
}

// Invoker runs external tools.
//
// A non-zero exit status is reported through InvocationResult.ExitCode, not
// as an error. The error return is reserved for failures to run the tool at
// all (missing binary, cancelled context).
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (*InvocationResult, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	return f(ctx, inv)
}

// DefaultPassEnv is the host environment visible to tools when none is configured.
var DefaultPassEnv = []string{"PATH", "HOME", "JAVA_HOME", "LANG"}

// ExecInvoker runs tools as child processes.
//
// Environment isolation uses an allow-list: the child starts with an empty
// environment, receives the host variables named in PassEnv, then the
// variables of the invocation itself. Nothing else leaks through.
type ExecInvoker struct {
	// WorkingDir is used when an invocation does not name a directory.
	WorkingDir string

	// PassEnv names host variables forwarded to every child.
	PassEnv []string

	lookupEnv func(string) (string, bool)
}

// NewExecInvoker creates an ExecInvoker.
func NewExecInvoker(workingDir string, passEnv []string) *ExecInvoker {
	if passEnv == nil {
		passEnv = DefaultPassEnv
	}
	return &ExecInvoker{WorkingDir: workingDir, PassEnv: passEnv, lookupEnv: os.LookupEnv}
}

// Invoke runs the tool and waits for it.
//
// When ctx is cancelled the whole process group is killed, so wrapper
// scripts that fork (generator launchers usually do) don't leave orphans.
func (e *ExecInvoker) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	if inv.Program == "" {
		return nil, errors.New("invocation has no program")
	}

	env := e.buildEnv(inv.Env)
	program := inv.Program
	if path, ok := lookPathIn(program, env); ok {
		program = path
	}

	cmd := exec.Command(program, inv.Args...)
	cmd.Dir = inv.Dir
	if cmd.Dir == "" {
		cmd.Dir = e.WorkingDir
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", inv.Program, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("invocation of %s cancelled: %w", inv.Program, ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", inv.Program, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &InvocationResult{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// buildEnv assembles the child environment in sorted key order.
func (e *ExecInvoker) buildEnv(extra map[string]string) []string {
	lookup := e.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	vars := make(map[string]string, len(e.PassEnv)+len(extra))
	for _, k := range e.PassEnv {
		if v, ok := lookup(k); ok {
			vars[k] = v
		}
	}
	for k, v := range extra {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+vars[k])
	}
	return result
}

// lookPathIn resolves a bare program name against the PATH of env rather than
// the host PATH, keeping resolution consistent with what the child sees.
func lookPathIn(program string, env []string) (string, bool) {
	if program == "" || strings.ContainsRune(program, os.PathSeparator) {
		return "", false
	}
	var pathVar string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathVar = v
		}
	}
	if pathVar == "" {
		return "", false
	}
	for _, dir := range filepath.SplitList(pathVar) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, program)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, true
		}
	}
	return "", false
}
