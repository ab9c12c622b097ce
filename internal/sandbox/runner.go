package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultExecutionTimeout = 120 * time.Second
	defaultMaxOutputBytes   = 100 * 1024
)

// Status classifies how a script run ended.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// RunResult is the outcome of one interpreter subprocess.
type RunResult struct {
	ScriptPath    string        `json:"script_path"`
	Status        Status        `json:"status"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	StdoutOmitted int64         `json:"stdout_omitted,omitempty"`
	StderrOmitted int64         `json:"stderr_omitted,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Error         string        `json:"error,omitempty"`
}

type RunnerOptions struct {
	Timeout        time.Duration
	MaxOutputBytes int
	// ExtraEnv is appended to the inherited environment.
	ExtraEnv []string
}

// Runner executes scripts with the sandbox interpreter, one subprocess per call.
type Runner struct {
	source    EnvironmentSource
	timeout   time.Duration
	maxOutput int
	extraEnv  []string
}

func NewRunner(source EnvironmentSource, opts RunnerOptions) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultExecutionTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Runner{
		source:    source,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		extraEnv:  opts.ExtraEnv,
	}
}

// MaxOutputBytes returns the per-stream capture cap.
func (r *Runner) MaxOutputBytes() int {
	return r.maxOutput
}

// ExecuteScriptContent writes code to the scripts directory under name and
// runs it. An empty name gets a generated one.
func (r *Runner) ExecuteScriptContent(ctx context.Context, code, name string) (RunResult, error) {
	env, err := r.source.Environment()
	if err != nil {
		return RunResult{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("script_%d.py", time.Now().UnixNano())
	}
	if filepath.Ext(name) == "" {
		name += ".py"
	}
	path, err := ResolveInWorkspace(env.ScriptsPath, name)
	if err != nil {
		return RunResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return RunResult{}, fmt.Errorf("failed to create script directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return RunResult{}, fmt.Errorf("failed to write script: %w", err)
	}
	return r.ExecuteFile(ctx, path, nil)
}

// ExecuteFile runs scriptPath (relative to the workspace root, or absolute
// inside it) with args. Path and setup problems are returned as errors,
// everything that happens once the process starts is described by RunResult.
func (r *Runner) ExecuteFile(ctx context.Context, scriptPath string, args []string) (RunResult, error) {
	env, err := r.source.Environment()
	if err != nil {
		return RunResult{}, err
	}
	path, err := ResolveInWorkspace(env.WorkspacePath, scriptPath)
	if err != nil {
		return RunResult{}, err
	}
	if !fileExists(path) {
		return RunResult{}, fmt.Errorf("script not found: %s", scriptPath)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout := newCappedBuffer(r.maxOutput)
	stderr := newCappedBuffer(r.maxOutput)

	cmd := exec.CommandContext(runCtx, env.InterpreterPath, append([]string{path}, args...)...)
	cmd.Dir = env.WorkspacePath
	cmd.Env = r.commandEnv(env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = commandWaitDelay

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := RunResult{
		ScriptPath:    path,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		StdoutOmitted: stdout.Omitted(),
		StderrOmitted: stderr.Omitted(),
		Elapsed:       elapsed,
		ExitCode:      -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	res.Status, res.Error = classifyRun(runErr, res.ExitCode, ctx.Err(), runCtx.Err(), r.timeout)
	return res, nil
}

// classifyRun maps how the process ended to a status. A clean exit wins over
// a deadline or cancellation that fired after the process finished.
func classifyRun(runErr error, exitCode int, parentErr, runCtxErr error, timeout time.Duration) (Status, string) {
	switch {
	case runErr == nil && exitCode == 0:
		return StatusSuccess, ""
	case parentErr != nil:
		return StatusCancelled, "execution cancelled"
	case runErr != nil && errors.Is(runCtxErr, context.DeadlineExceeded):
		return StatusTimedOut, fmt.Sprintf("execution timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) || runErr == nil {
		return StatusFailed, fmt.Sprintf("process exited with code %d", exitCode)
	}
	return StatusFailed, runErr.Error()
}

func (r *Runner) commandEnv(env *Environment) []string {
	binDir := env.Layout.BinDir(env.EnvPath)
	out := make([]string, 0, len(os.Environ())+4)
	path := binDir
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.EqualFold(k, "PATH") {
			path = binDir + string(os.PathListSeparator) + v
			continue
		}
		out = append(out, kv)
	}
	out = append(out,
		"PATH="+path,
		"VIRTUAL_ENV="+env.EnvPath,
		"PYTHONUNBUFFERED=1",
	)
	return append(out, r.extraEnv...)
}
