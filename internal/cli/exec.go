package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/taskmesh/internal/config"
	"github.com/seantiz/taskmesh/internal/engine"
	"github.com/seantiz/taskmesh/internal/model"
	"github.com/seantiz/taskmesh/internal/sandbox"
)

func init() {
	f := execCmd.Flags()
	f.StringArrayVarP(&execFlags.images, "image", "i", []string{"process:sh"}, "Candidate image, tried in order (repeatable)")
	f.StringVarP(&execFlags.code, "code", "c", "", "Script source (instead of a file argument)")
	f.StringArrayVarP(&execFlags.params, "param", "p", nil, "Parameter key=value; values are parsed as JSON when possible (repeatable)")
	f.StringVar(&execFlags.resources, "resources", "", "Resource directory mounted read-only into the sandbox")
	f.StringVar(&execFlags.workdir, "working-dir", "", "Working directory of path parameters, relative to the resources")
	f.StringVar(&execFlags.out, "out", "", "Scratch directory for the run (default: a new temporary directory)")
	f.DurationVar(&execFlags.timeout, "timeout", 5*time.Minute, "Deadline of the run; 0 disables it")
	f.StringSliceVar(&execFlags.runtimes, "runtime", nil, "Runtimes to register (overrides config)")
	rootCmd.AddCommand(execCmd)
}

// execOptions describes one ad-hoc run.
type execOptions struct {
	images    []string
	code      string
	params    []string
	resources string
	workdir   string
	out       string
	timeout   time.Duration
	runtimes  []string
}

var execFlags execOptions

var execCmd = &cobra.Command{
	Use:   "exec [script]",
	Short: "Run one script in a sandbox and print the outcome",
	Long: `Run a single unit through the execution engine without a coordinator.
The outcome, including the produced files, is printed as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := execFlags
		if len(args) == 1 {
			if opts.code != "" {
				return errors.New("pass either a script file or --code, not both")
			}
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			opts.code = string(src)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if len(opts.runtimes) == 0 {
			opts.runtimes = cfg.Runtimes
		}
		logger := config.NewLogger(os.Stderr, cfg.Level())

		reg, closers, err := buildRegistry(opts.runtimes, logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range closers {
				c(context.Background())
			}
		}()

		eng := engine.New(reg, nil, nil, logger, engine.Options{})
		return runExec(cmd.Context(), eng, opts, cmd.OutOrStdout())
	},
}

// execOutcome is the JSON printed by exec.
type execOutcome struct {
	ExecutionID string   `json:"execution_id"`
	Image       string   `json:"image,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Error       string   `json:"error,omitempty"`
	ResultType  string   `json:"result_type,omitempty"`
	Files       []string `json:"files,omitempty"`
	OutputDir   string   `json:"output_dir"`
}

// errRunFailed is returned by exec after printing a failed outcome.
var errRunFailed = errors.New("run failed")

func runExec(ctx context.Context, eng *engine.Engine, opts execOptions, out io.Writer) error {
	if strings.TrimSpace(opts.code) == "" {
		return errors.New("no script given")
	}
	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}

	tmpDir := opts.out
	if tmpDir == "" {
		if tmpDir, err = os.MkdirTemp("", "taskmesh-exec-"); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}

	u := &engine.Unit{
		SubtaskID:        model.NewID(),
		TaskID:           "exec",
		Images:           sandbox.ParseImages(opts.images),
		SrcCode:          opts.code,
		ExtraData:        params,
		WorkingDirectory: opts.workdir,
		ShortDescription: "ad-hoc run",
		ResourceDir:      opts.resources,
		TmpDir:           tmpDir,
		Timeout:          opts.timeout,
	}
	eng.Run(ctx, u, engine.CallbackFunc(func(*engine.Unit) {}))

	outcome := execOutcome{
		ExecutionID: u.ExecutionID,
		Image:       u.Image.String(),
		ExitCode:    u.ExitCode,
		Error:       u.ErrorMsg,
		OutputDir:   filepath.Join(tmpDir, model.UnitOutputDir),
	}
	if !u.Errored {
		outcome.ResultType = u.Result.Type.String()
		outcome.Files = u.Result.Data
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if u.Errored {
		return fmt.Errorf("%w: %s", errRunFailed, u.ErrorMsg)
	}
	return nil
}

// parseParams turns key=value pairs into unit parameters. Values that are
// valid JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}
