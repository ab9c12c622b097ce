package sandbox

import (
	"path/filepath"
	"runtime"
)

// Layout is the binary directory convention of an isolated interpreter environment.
type Layout string

const (
	// LayoutPOSIX places binaries under bin/ without an extension.
	LayoutPOSIX Layout = "posix"
	// LayoutWindows places binaries under Scripts/ with an .exe suffix.
	LayoutWindows Layout = "windows"
)

// DefaultLayout returns the layout used by the current platform.
func DefaultLayout() Layout {
	if runtime.GOOS == "windows" {
		return LayoutWindows
	}
	return LayoutPOSIX
}

func (l Layout) BinDir(envPath string) string {
	if l == LayoutWindows {
		return filepath.Join(envPath, "Scripts")
	}
	return filepath.Join(envPath, "bin")
}

func (l Layout) binary(envPath, name string) string {
	if l == LayoutWindows {
		name += ".exe"
	}
	return filepath.Join(l.BinDir(envPath), name)
}

func (l Layout) Interpreter(envPath string) string {
	return l.binary(envPath, "python")
}

func (l Layout) PackageManager(envPath, name string) string {
	if name == "" {
		name = "pip"
	}
	return l.binary(envPath, name)
}
