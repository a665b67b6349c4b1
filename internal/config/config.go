// Package config holds the explicit configuration passed to every pipeline component.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config enumerates every recognized option. Components receive it at
// construction; nothing reads process-wide state after loading.
type Config struct {
	// Workdir anchors every relative path below.
	Workdir string `yaml:"workdir" validate:"required"`

	// OutputRoot is the default generation output root.
	OutputRoot string `yaml:"output_root" validate:"required"`

	// ResolvedDir is where resolved SpecDocuments are persisted.
	ResolvedDir string `yaml:"resolved_dir" validate:"required"`

	// StateDB is the bbolt file holding run records and stage fingerprints.
	// Empty disables persistence (and therefore incremental up-to-date checks).
	StateDB string `yaml:"state_db"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MaxParallel bounds concurrently running stages. 1 runs serially.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1,lte=256"`

	// FailFast aborts the remaining pipeline on the first untolerated failure.
	FailFast bool `yaml:"fail_fast"`

	// Incremental enables fingerprint-based up-to-date checks.
	Incremental bool `yaml:"incremental"`

	// PassEnv names host environment variables forwarded to external tools.
	PassEnv []string `yaml:"pass_env" validate:"dive,required"`

	// Tokens are substituted for @NAME@ placeholders by text resolvers.
	Tokens map[string]string `yaml:"tokens"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workdir:     ".",
		OutputRoot:  "build/generated",
		ResolvedDir: "build/resolved",
		StateDB:     ".genweaver/state.db",
		LogLevel:    "info",
		LogFormat:   "console",
		MaxParallel: DefaultMaxParallel(),
		FailFast:    true,
		Incremental: true,
		PassEnv:     []string{"PATH", "HOME", "JAVA_HOME", "LANG"},
		Tokens:      map[string]string{},
	}
}

// DefaultMaxParallel is half the available processors, at least one.
func DefaultMaxParallel() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

// LoadConfig reads a YAML config file, applies environment overrides and
// validates the result. A missing file yields the defaults (still overridden
// and validated).
//
// Precedence, lowest first:
//  1. DefaultConfig
//  2. The YAML file, after ${VAR} interpolation
//  3. GENWEAVER_* variables and MAX_PARALLEL_FORKS
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file in dir into the process
// environment, leaving variables that are already set untouched. A missing
// file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("GENWEAVER_WORKDIR"); ok && v != "" {
		cfg.Workdir = v
	}
	if v, ok := os.LookupEnv("GENWEAVER_OUTPUT_ROOT"); ok && v != "" {
		cfg.OutputRoot = v
	}
	if v, ok := os.LookupEnv("GENWEAVER_STATE_DB"); ok {
		cfg.StateDB = v
	}
	if v, ok := os.LookupEnv("GENWEAVER_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("GENWEAVER_LOG_FORMAT"); ok && v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("MAX_PARALLEL_FORKS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Problems: []string{fmt.Sprintf("MAX_PARALLEL_FORKS: not an integer: %q", v)}}
		}
		cfg.MaxParallel = n
	}
	return nil
}

// Abs resolves p against Workdir.
func (c Config) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	base := c.Workdir
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	return filepath.Join(base, p)
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

var validate = validator.New()

// Validate checks the struct tags and returns a *ValidationError.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, formatFieldError(fe))
	}
	return &ValidationError{Problems: problems}
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be <= %s, got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} with the variable's value. Unset
// variables are left as written so the mistake is visible downstream.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
