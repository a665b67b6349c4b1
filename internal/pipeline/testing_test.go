package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"genweaver/internal/config"
	"genweaver/internal/core"
	"genweaver/internal/logging"
	"genweaver/internal/state"
)

// toolchain fakes the external tools a pipeline calls:
//
//	openapi-generator-cli  writes an api class, a doc page and a README per -i
//	touch FILE             creates FILE; DELAY_MS in Env sleeps first
//	false                  exits 1
type toolchain struct {
	mu     sync.Mutex
	events []string
	calls  map[string]int
}

func newToolchain() *toolchain {
	return &toolchain{calls: make(map[string]int)}
}

func (tc *toolchain) note(ev string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, ev)
}

func (tc *toolchain) count(program string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.calls[program]
}

func (tc *toolchain) log() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]string(nil), tc.events...)
}

func (tc *toolchain) Invoke(ctx context.Context, inv core.Invocation) (*core.InvocationResult, error) {
	tc.mu.Lock()
	tc.calls[inv.Program]++
	tc.mu.Unlock()

	switch inv.Program {
	case "openapi-generator-cli":
		return tc.generate(inv)
	case "touch":
		file := inv.Args[0]
		tc.note("start:" + file)
		if ms, err := strconv.Atoi(inv.Env["DELAY_MS"]); err == nil {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		p := file
		if !filepath.IsAbs(p) {
			p = filepath.Join(inv.Dir, file)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(file), 0o644); err != nil {
			return nil, err
		}
		tc.note("end:" + file)
		return &core.InvocationResult{Stdout: []byte("touched " + file)}, nil
	case "false":
		return &core.InvocationResult{ExitCode: 1, Stderr: []byte("boom")}, nil
	default:
		return nil, fmt.Errorf("unexpected program %q", inv.Program)
	}
}

func (tc *toolchain) generate(inv core.Invocation) (*core.InvocationResult, error) {
	var input, output string
	for i := 0; i+1 < len(inv.Args); i++ {
		switch inv.Args[i] {
		case "-i":
			input = inv.Args[i+1]
		case "-o":
			output = inv.Args[i+1]
		}
	}
	if _, err := os.Stat(input); err != nil {
		return &core.InvocationResult{ExitCode: 2, Stderr: []byte(err.Error())}, nil
	}
	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	files := map[string]string{
		"src/main/java/api/" + name + "Api.java": "public class " + name + "Api {}\n",
		"docs/" + name + ".md":                   "# " + name + "\n\nGenerated client.\n",
		"README.md":                              "# client\n",
	}
	for rel, content := range files {
		p := filepath.Join(output, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &core.InvocationResult{}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func testConfig(dir string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Workdir = dir
	cfg.MaxParallel = 2
	cfg.FailFast = false
	cfg.Incremental = false
	return cfg
}

func parse(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := ParseDefinition(strings.NewReader(src))
	require.NoError(t, err)
	return def
}

func openStore(t *testing.T, dir string) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(dir, ".genweaver", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestOrchestrator(cfg config.Config, def *Definition, tc *toolchain, store *state.Store) *Orchestrator {
	return New(cfg, def, tc, store, logging.NewNop())
}
