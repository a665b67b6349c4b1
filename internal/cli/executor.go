package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"genweaver/internal/config"
	"genweaver/internal/core"
	"genweaver/internal/dag"
	"genweaver/internal/logging"
	"genweaver/internal/pipeline"
	"genweaver/internal/state"
)

type CLIResult struct {
	ExitCode int
	Report   *pipeline.Report
}

// Options carries the process boundary: where output goes and how tools are
// started. Zero values mean os.Stdout, os.Stderr and real child processes.
type Options struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Invoker core.Invoker
}

func (o Options) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o Options) stderr() io.Writer {
	if o.Stderr == nil {
		return os.Stderr
	}
	return o.Stderr
}

// Execute runs a canonical invocation and maps the outcome to an exit code:
//
//	0  every stage succeeded, or the plan was printed
//	1  a stage failed or the run was interrupted
//	2  invalid command line (reported by ParseInvocation)
//	3  configuration, pipeline definition or graph error; nothing ran
//	4  internal error
func Execute(ctx context.Context, inv CLIInvocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	defer func() {
		if r := recover(); r != nil {
			res = CLIResult{ExitCode: ExitInternalError}
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := config.LoadDotEnv(inv.WorkDir); err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	cfg, err := loadConfig(inv)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: opts.stderr(),
		Name:   "genweaver",
	})
	if err != nil {
		return res, err
	}
	defer func() { _ = logger.Sync() }()

	def, err := pipeline.LoadDefinition(inv.PipelinePath)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	invoker := opts.Invoker
	if invoker == nil {
		invoker = core.NewExecInvoker(cfg.Workdir, cfg.PassEnv)
	}

	if inv.PlanOnly {
		o := pipeline.New(cfg, def, invoker, nil, logger)
		plan, hash, err := o.Plan(inv.Targets)
		if err != nil {
			res.ExitCode = exitCodeFor(err)
			return res, err
		}
		if err := pipeline.PrintPlan(opts.stdout(), plan, hash); err != nil {
			return res, err
		}
		res.ExitCode = ExitSuccess
		return res, nil
	}

	var store *state.Store
	if cfg.StateDB != "" {
		store, err = state.Open(cfg.Abs(cfg.StateDB))
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("open state db: %w", err)
		}
		defer store.Close()
	}

	o := pipeline.New(cfg, def, invoker, store, logger)
	report, runErr := o.Run(ctx, pipeline.RunOptions{Targets: inv.Targets, Mode: inv.Mode, Parallel: inv.Parallel})
	res.Report = report

	if report != nil {
		if err := report.Print(opts.stdout()); err != nil {
			logger.Warn("printing report failed", logging.String("error", err.Error()))
		}
		if inv.Trace.Enabled {
			if err := report.Trace.WriteFile(inv.Trace.Path); err != nil {
				res.ExitCode = ExitInternalError
				return res, fmt.Errorf("write trace: %w", err)
			}
		}
	}

	res.ExitCode = exitCodeFor(runErr)
	return res, runErr
}

// loadConfig layers the config file, environment and command line. A
// relative workdir from the config is taken relative to --workdir.
func loadConfig(inv CLIInvocation) (config.Config, error) {
	cfg, err := config.LoadConfig(inv.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if !filepath.IsAbs(cfg.Workdir) {
		cfg.Workdir = filepath.Join(inv.WorkDir, cfg.Workdir)
	}
	if inv.LogLevel != "" {
		cfg.LogLevel = inv.LogLevel
	}
	if inv.LogFormat != "" {
		cfg.LogFormat = inv.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func exitCodeFor(err error) int {
	var (
		defErr   *pipeline.DefinitionError
		graphErr *dag.GraphError
		stageErr *pipeline.StageError
		cfgErr   *config.ValidationError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &defErr), errors.As(err, &graphErr), errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.As(err, &stageErr), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitPipelineFailure
	default:
		return ExitInternalError
	}
}
