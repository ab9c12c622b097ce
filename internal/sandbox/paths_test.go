package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestResolveInWorkspace(t *testing.T) {
	root := t.TempDir()

	cases := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{name: "relative", path: "data/out.csv", want: filepath.Join(root, "data", "out.csv")},
		{name: "dot segments inside", path: "a/../b.txt", want: filepath.Join(root, "b.txt")},
		{name: "absolute inside", path: filepath.Join(root, "x.py"), want: filepath.Join(root, "x.py")},
		{name: "root itself", path: ".", want: root},
		{name: "traversal", path: "../../etc/passwd", wantErr: ErrPathEscape},
		{name: "absolute outside", path: filepath.Join(filepath.Dir(root), "other"), wantErr: ErrPathEscape},
		{name: "sibling prefix", path: root + "-evil/x", wantErr: ErrPathEscape},
		{name: "empty", path: "  ", wantErr: ErrEmptyPath},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveInWorkspace(root, tc.path)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v (%s)", tc.wantErr, err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestResolveInWorkspace_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	if _, err := ResolveInWorkspace(root, "link/secret.txt"); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("expected ErrPathEscape through symlink, got %v", err)
	}
}
