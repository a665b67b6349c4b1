package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionEnv is what an only_if expression can see.
//
//	only_if: 'mode == "full" || !exists("build/generated/java")'
//	only_if: 'env("CI") != ""'
type conditionEnv struct {
	Stage   string `expr:"stage"`
	Kind    string `expr:"kind"`
	Workdir string `expr:"workdir"`
	Mode    string `expr:"mode"`
}

// Conditions compiles only_if expressions once and evaluates them per run.
type Conditions struct {
	workdir string

	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewConditions(workdir string) *Conditions {
	return &Conditions{workdir: workdir, programs: make(map[string]*vm.Program)}
}

func (c *Conditions) options() []expr.Option {
	return []expr.Option{
		expr.Env(conditionEnv{}),
		expr.AsBool(),
		expr.Function("exists", func(params ...interface{}) (interface{}, error) {
			p, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("exists: expected string, got %T", params[0])
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(c.workdir, p)
			}
			_, err := os.Stat(p)
			return err == nil, nil
		}, new(func(string) bool)),
		expr.Function("env", func(params ...interface{}) (interface{}, error) {
			name, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("env: expected string, got %T", params[0])
			}
			return os.Getenv(name), nil
		}, new(func(string) string)),
	}
}

// Compile checks src without evaluating it.
func (c *Conditions) Compile(src string) error {
	_, err := c.program(src)
	return err
}

func (c *Conditions) program(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, c.options()...)
	if err != nil {
		return nil, err
	}
	c.programs[src] = p
	return p, nil
}

// Eval reports whether the stage's condition holds. An empty condition is true.
func (c *Conditions) Eval(src, stage, kind, mode string) (bool, error) {
	if src == "" {
		return true, nil
	}
	p, err := c.program(src)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, conditionEnv{Stage: stage, Kind: kind, Workdir: c.workdir, Mode: mode})
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}
	return ok, nil
}
