package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"genweaver/internal/state"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

const (
	DefaultPipelineFile = "genweaver.yaml"
	DefaultConfigFile   = "genweaver.config.yaml"
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the canonical description of one command line.
//
// All paths are Clean and absolute; relative flags are resolved against
// WorkDir, never against the process working directory.
type CLIInvocation struct {
	WorkDir      string
	PipelinePath string
	ConfigPath   string

	// Mode is empty when the config decides.
	Mode state.ExecutionMode

	Targets []string

	// Parallel is 0 when the config decides.
	Parallel int

	// PlanOnly prints the execution plan without running anything.
	PlanOnly bool

	Trace TraceConfig

	LogLevel  string
	LogFormat string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// ParseInvocation parses flags into a CLIInvocation. WorkDir must be
// absolute; main fills it from the process directory when the flag is absent.
func ParseInvocation(args []string) (CLIInvocation, error) {
	fs := flag.NewFlagSet("genweaver", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		workDir, pipelinePath, configPath string
		mode, tracePath                   string
		logLevel, logFormat               string
		parallel                          int
		planOnly                          bool
		targets                           stringList
	)
	fs.StringVar(&workDir, "workdir", "", "Absolute working directory. Required.")
	fs.StringVar(&pipelinePath, "pipeline", DefaultPipelineFile, "Pipeline definition file.")
	fs.StringVar(&configPath, "config", DefaultConfigFile, "Configuration file; missing means defaults.")
	fs.StringVar(&mode, "mode", "", "Execution mode: full|incremental (default from config).")
	fs.Var(&targets, "target", "Stage to build together with its dependencies. Repeatable.")
	fs.IntVar(&parallel, "parallel", 0, "Maximum concurrent stages (default from config).")
	fs.BoolVar(&planOnly, "plan", false, "Print the execution plan and exit.")
	fs.StringVar(&tracePath, "trace", "", "Write the canonical execution trace to this file.")
	fs.StringVar(&logLevel, "log-level", "", "Override the configured log level.")
	fs.StringVar(&logFormat, "log-format", "", "Override the configured log format: console|json.")

	if err := fs.Parse(args); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	if workDir == "" {
		return CLIInvocation{}, invalidInvocationf("--workdir is required")
	}
	workDir = filepath.Clean(workDir)
	if !filepath.IsAbs(workDir) {
		return CLIInvocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}
	if parallel < 0 {
		return CLIInvocation{}, invalidInvocationf("--parallel must be >= 0 (got %d)", parallel)
	}

	parsedMode, err := parseExecutionMode(mode)
	if err != nil {
		return CLIInvocation{}, err
	}

	inv := CLIInvocation{
		WorkDir:   workDir,
		Mode:      parsedMode,
		Targets:   []string(targets),
		Parallel:  parallel,
		PlanOnly:  planOnly,
		LogLevel:  strings.ToLower(strings.TrimSpace(logLevel)),
		LogFormat: strings.ToLower(strings.TrimSpace(logFormat)),
	}
	if inv.PipelinePath, err = resolveUnderWorkDir(workDir, pipelinePath); err != nil {
		return CLIInvocation{}, err
	}
	if inv.ConfigPath, err = resolveUnderWorkDir(workDir, configPath); err != nil {
		return CLIInvocation{}, err
	}
	if strings.TrimSpace(tracePath) != "" {
		resolvedTrace, err := resolveUnderWorkDir(workDir, tracePath)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: resolvedTrace}
	}
	return inv, nil
}

func parseExecutionMode(raw string) (state.ExecutionMode, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch state.ExecutionMode(n) {
	case "", state.ExecutionModeFull, state.ExecutionModeIncremental:
		return state.ExecutionMode(n), nil
	default:
		return "", invalidInvocationf("invalid --mode %q (expected full|incremental)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts the exit code carried by err. Unknown errors are internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
