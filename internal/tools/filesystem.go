package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rahul/stepforge/internal/sandbox"
)

const maxListEntries = 500

func resolve(source sandbox.EnvironmentSource, p string) (string, *sandbox.Environment, error) {
	env, err := source.Environment()
	if err != nil {
		return "", nil, err
	}
	abs, err := sandbox.ResolveInWorkspace(env.WorkspacePath, p)
	if err != nil {
		return "", nil, err
	}
	return abs, env, nil
}

func relToWorkspace(env *sandbox.Environment, abs string) string {
	rel, err := filepath.Rel(env.WorkspacePath, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// ---- write_file ----

type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileTool struct {
	source sandbox.EnvironmentSource
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write text content to a file inside the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path":    stringProp("File path relative to the workspace root"),
		"content": stringProp("The full content to write"),
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[WriteFileRequest](args, "path", "content")
	if err != nil {
		return Result{}, err
	}
	target, env, err := resolve(t.source, req.Path)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(req.Content), 0644); err != nil {
		return Result{}, fmt.Errorf("failed to write file: %w", err)
	}
	rel := relToWorkspace(env, target)
	return Result{
		Value:     map[string]any{"path": rel, "bytes": len(req.Content)},
		Artifacts: []string{rel},
	}, nil
}

// ---- read_file ----

type ReadFileRequest struct {
	Path string `json:"path"`
}

type ReadFileTool struct {
	source   sandbox.EnvironmentSource
	maxBytes int
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Large files are truncated."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path": stringProp("File path relative to the workspace root"),
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[ReadFileRequest](args, "path")
	if err != nil {
		return Result{}, err
	}
	target, env, err := resolve(t.source, req.Path)
	if err != nil {
		return Result{}, err
	}
	data, size, err := sandbox.ReadLimited(target, t.maxBytes)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read file: %w", err)
	}
	return Result{Value: map[string]any{
		"path":    relToWorkspace(env, target),
		"size":    size,
		"content": sandbox.CappedContent(data, size),
	}}, nil
}

// ---- list_files ----

type ListFilesRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type ListFilesTool struct {
	source sandbox.EnvironmentSource
}

type fileEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List files in a workspace directory. Defaults to the workspace root."
}

func (t *ListFilesTool) Parameters() map[string]any {
	return schema(map[string]any{
		"path":      stringProp("Directory relative to the workspace root (default: root)"),
		"recursive": map[string]any{"type": "boolean", "description": "List subdirectories too"},
	})
}

func (t *ListFilesTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[ListFilesRequest](args)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.Path) == "" {
		req.Path = "."
	}
	dir, env, err := resolve(t.source, req.Path)
	if err != nil {
		return Result{}, err
	}

	entries := make([]fileEntry, 0)
	truncated := false
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir {
				return walkErr
			}
			return nil
		}
		if p == dir {
			return nil
		}
		// The interpreter environment is sandbox plumbing, not user data.
		if d.IsDir() && p == env.EnvPath {
			return filepath.SkipDir
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		e := fileEntry{Path: relToWorkspace(env, p), Type: "file"}
		if d.IsDir() {
			e.Type = "dir"
		} else if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
		if d.IsDir() && !req.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list directory: %w", err)
	}
	return Result{Value: map[string]any{
		"path":      relToWorkspace(env, dir),
		"entries":   entries,
		"truncated": truncated,
	}}, nil
}
