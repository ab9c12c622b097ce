package tools

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/rahul/stepforge/internal/sandbox"
)

func runSummary(env *sandbox.Environment, res sandbox.RunResult) map[string]any {
	out := map[string]any{
		"script":     relToWorkspace(env, res.ScriptPath),
		"status":     res.Status,
		"exit_code":  res.ExitCode,
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	return out
}

type fileStamp struct {
	size    int64
	modTime int64
}

// snapshotFiles records size and mtime of every workspace file outside the
// interpreter environment and the scripts directory.
func snapshotFiles(env *sandbox.Environment) map[string]fileStamp {
	out := make(map[string]fileStamp)
	_ = filepath.WalkDir(env.WorkspacePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p == env.EnvPath || p == env.ScriptsPath {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			out[relToWorkspace(env, p)] = fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano()}
		}
		return nil
	})
	return out
}

// changedFiles returns files that are new or differ from the before snapshot.
func changedFiles(env *sandbox.Environment, before map[string]fileStamp) []string {
	var out []string
	for p, after := range snapshotFiles(env) {
		if prev, ok := before[p]; !ok || prev != after {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// ---- execute_code ----

type ExecuteCodeRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type ExecuteCodeTool struct {
	source sandbox.EnvironmentSource
	runner *sandbox.Runner
}

func (t *ExecuteCodeTool) Name() string { return "execute_code" }

func (t *ExecuteCodeTool) Description() string {
	return "Save Python code as a script in the workspace and run it with the sandbox interpreter. Returns exit code, stdout and stderr."
}

func (t *ExecuteCodeTool) Parameters() map[string]any {
	return schema(map[string]any{
		"code": stringProp("Complete Python source to run"),
		"name": stringProp("Optional script file name, e.g. analyze.py"),
	}, "code")
}

func (t *ExecuteCodeTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[ExecuteCodeRequest](args, "code")
	if err != nil {
		return Result{}, err
	}
	env, err := t.source.Environment()
	if err != nil {
		return Result{}, err
	}
	before := snapshotFiles(env)
	res, err := t.runner.ExecuteScriptContent(ctx, req.Code, req.Name)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Value:     runSummary(env, res),
		Run:       &res,
		Artifacts: changedFiles(env, before),
	}, nil
}

// ---- execute_script_file ----

type ExecuteScriptFileRequest struct {
	Path string     `json:"path"`
	Args stringList `json:"args"`
}

type ExecuteScriptFileTool struct {
	source sandbox.EnvironmentSource
	runner *sandbox.Runner
}

func (t *ExecuteScriptFileTool) Name() string { return "execute_script_file" }

func (t *ExecuteScriptFileTool) Description() string {
	return "Run an existing Python script from the workspace with optional command line arguments."
}

func (t *ExecuteScriptFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path": stringProp("Script path relative to the workspace root"),
		"args": stringListProp("Command line arguments"),
	}, "path")
}

func (t *ExecuteScriptFileTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[ExecuteScriptFileRequest](args, "path")
	if err != nil {
		return Result{}, err
	}
	env, err := t.source.Environment()
	if err != nil {
		return Result{}, err
	}
	before := snapshotFiles(env)
	res, err := t.runner.ExecuteFile(ctx, req.Path, req.Args)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Value:     runSummary(env, res),
		Run:       &res,
		Artifacts: changedFiles(env, before),
	}, nil
}
