package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	ErrPathEscape     = errors.New("path escapes workspace")
	ErrEmptyPath      = errors.New("empty path")
	ErrNotInitialized = errors.New("sandbox environment not initialized")
	ErrNotReady       = errors.New("sandbox interpreter not ready")
	ErrInvalidPackage = errors.New("invalid package name")
)

const (
	envDirName     = ".venv"
	scriptsDirName = "scripts"
	outputDirName  = "output"
)

// Environment describes the on-disk layout of one sandbox: the workspace root,
// the isolated interpreter environment inside it and the scripts/output dirs.
type Environment struct {
	WorkspacePath      string
	EnvPath            string
	ScriptsPath        string
	OutputPath         string
	InterpreterPath    string
	PackageManagerPath string
	Layout             Layout
}

// NewEnvironment computes the paths of a sandbox rooted at workspace. Nothing
// is created on disk.
func NewEnvironment(workspace string, layout Layout, packageManager string) (*Environment, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace: %w", ErrEmptyPath)
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	envPath := filepath.Join(root, envDirName)
	return &Environment{
		WorkspacePath:      root,
		EnvPath:            envPath,
		ScriptsPath:        filepath.Join(root, scriptsDirName),
		OutputPath:         filepath.Join(root, outputDirName),
		InterpreterPath:    layout.Interpreter(envPath),
		PackageManagerPath: layout.PackageManager(envPath, packageManager),
		Layout:             layout,
	}, nil
}

// EnvironmentSource hands out the current sandbox environment. Runners and
// tools hold a source instead of an Environment so they can be built before
// the sandbox is initialized.
type EnvironmentSource interface {
	Environment() (*Environment, error)
}

// StaticEnvironment is an EnvironmentSource over a fixed, already prepared environment.
type StaticEnvironment struct {
	Env *Environment
}

func (s StaticEnvironment) Environment() (*Environment, error) {
	if s.Env == nil {
		return nil, ErrNotInitialized
	}
	return s.Env, nil
}
