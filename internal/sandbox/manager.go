package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	defaultBaseInterpreter = "python3"
	defaultInstallTimeout  = 300 * time.Second
	commandWaitDelay       = 2 * time.Second
)

// CommandFunc runs name with args in dir and returns its combined output.
type CommandFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

type ManagerOptions struct {
	// BaseInterpreter creates the isolated environment (python3 -m venv).
	BaseInterpreter string
	// PackageManager is the installer binary name inside the environment.
	PackageManager  string
	DefaultPackages []string
	InstallTimeout  time.Duration
	Layout          Layout
	// Command overrides process execution, mainly for tests.
	Command CommandFunc
}

// Manager owns the sandbox workspace tree and its interpreter environment.
// The installed package set only grows for the lifetime of a Manager.
type Manager struct {
	opts ManagerOptions

	mu        sync.Mutex
	env       *Environment
	installed map[string]struct{}
	ready     bool
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.BaseInterpreter == "" {
		opts.BaseInterpreter = defaultBaseInterpreter
	}
	if opts.PackageManager == "" {
		opts.PackageManager = "pip"
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = defaultInstallTimeout
	}
	if opts.Layout == "" {
		opts.Layout = DefaultLayout()
	}
	if opts.Command == nil {
		opts.Command = runCommand
	}
	return &Manager{
		opts:      opts,
		installed: make(map[string]struct{}),
	}
}

// InitializeEnvironment prepares the workspace tree and interpreter
// environment. It is idempotent: an existing environment is reused as long as
// its interpreter binary is present.
func (m *Manager) InitializeEnvironment(ctx context.Context, workspace string) (*Environment, error) {
	env, err := NewEnvironment(workspace, m.opts.Layout, m.opts.PackageManager)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{env.WorkspacePath, env.ScriptsPath, env.OutputPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// A directory without the interpreter binary is a leftover from a failed
	// earlier attempt and gets recreated.
	if !fileExists(env.InterpreterPath) {
		log.Printf("[sandbox] creating environment at %s", env.EnvPath)
		out, err := m.opts.Command(ctx, env.WorkspacePath, m.opts.BaseInterpreter, "-m", "venv", "--clear", env.EnvPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create environment: %w: %s", err, strings.TrimSpace(string(out)))
		}
		if !fileExists(env.InterpreterPath) {
			return nil, fmt.Errorf("environment created but interpreter missing at %s", env.InterpreterPath)
		}

		if out, err := m.opts.Command(ctx, env.WorkspacePath, env.InterpreterPath, "-m", "pip", "install", "--upgrade", "pip"); err != nil {
			log.Printf("[sandbox] package manager upgrade failed: %v: %s", err, strings.TrimSpace(string(out)))
		}
	}

	m.mu.Lock()
	m.env = env
	m.ready = false
	m.mu.Unlock()

	if len(m.opts.DefaultPackages) > 0 {
		if _, err := m.InstallPackages(ctx, m.opts.DefaultPackages); err != nil {
			log.Printf("[sandbox] default packages not installed: %v", err)
		}
	}

	if !m.IsReady(ctx) {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, env.InterpreterPath)
	}
	return env, nil
}

// Environment returns the initialized environment.
func (m *Manager) Environment() (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.env == nil {
		return nil, ErrNotInitialized
	}
	return m.env, nil
}

// IsReady invokes the interpreter with a version flag. The result is never
// cached across calls.
func (m *Manager) IsReady(ctx context.Context) bool {
	env, err := m.Environment()
	if err != nil {
		return false
	}
	out, err := m.opts.Command(ctx, env.WorkspacePath, env.InterpreterPath, "--version")
	ready := err == nil
	if !ready {
		log.Printf("[sandbox] interpreter check failed: %v: %s", err, strings.TrimSpace(string(out)))
	}

	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
	return ready
}

// Ready reports the outcome of the most recent IsReady check.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// MissingPackages returns the requested packages that are not installed yet,
// normalized and deduplicated, in request order.
func (m *Manager) MissingPackages(names []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var missing []string
	for _, n := range names {
		key := NormalizePackage(n)
		if key == "" {
			continue
		}
		if _, ok := m.installed[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		missing = append(missing, strings.TrimSpace(n))
	}
	return missing
}

// InstallPackages installs every missing package in one package manager
// invocation and returns the names that were installed by this call. A failed
// batch leaves the installed set unchanged. The whole batch is rejected if any
// name is not a plain requirement specifier.
func (m *Manager) InstallPackages(ctx context.Context, names []string) ([]string, error) {
	for _, n := range names {
		if err := ValidatePackage(n); err != nil {
			return nil, err
		}
	}
	env, err := m.Environment()
	if err != nil {
		return nil, err
	}
	missing := m.MissingPackages(names)
	if len(missing) == 0 {
		return nil, nil
	}

	installCtx, cancel := context.WithTimeout(ctx, m.opts.InstallTimeout)
	defer cancel()

	args := append([]string{"install"}, missing...)
	log.Printf("[sandbox] installing %s", strings.Join(missing, " "))
	out, err := m.opts.Command(installCtx, env.WorkspacePath, env.PackageManagerPath, args...)
	if err != nil {
		if errors.Is(installCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("package install timed out after %s", m.opts.InstallTimeout)
		}
		return nil, fmt.Errorf("package install failed: %w: %s", err, TruncateOutput(strings.TrimSpace(string(out)), 2000))
	}

	m.mu.Lock()
	for _, n := range missing {
		m.installed[NormalizePackage(n)] = struct{}{}
	}
	m.mu.Unlock()
	return missing, nil
}

// InstalledPackages returns the installed set in sorted order.
func (m *Manager) InstalledPackages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.installed))
	for k := range m.installed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidatePackage rejects names the package manager would read as an option
// or a local path, such as "--target=/tmp" or "-r/etc/passwd".
func ValidatePackage(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPackage)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: %q looks like an option", ErrInvalidPackage, name)
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidPackage, name)
	case strings.IndexFunc(name, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidPackage, name)
	}
	return nil
}

// NormalizePackage lowercases a requirement and folds _ and . to - so that
// "Foo_Bar" and "foo-bar" count as one package.
func NormalizePackage(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PIP_DISABLE_PIP_VERSION_CHECK=1")
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = commandWaitDelay
	return cmd.CombinedOutput()
}
