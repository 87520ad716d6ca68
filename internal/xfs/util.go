package xfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// privateDirMode is owner-only access, required by tor for its DataDirectory.
const privateDirMode os.FileMode = 0o700

// ExpandTilde replaces a leading tilde (~) with the user's home directory.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// EnsurePrivateDir creates dir (and parents) if missing and makes sure the
// leaf is owned-only (0700), regardless of the process umask or a previous run
// that created it with looser permissions.
func EnsurePrivateDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirMode); err != nil {
		return fmt.Errorf("xfs: create %s: %w", dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("xfs: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("xfs: %s is not a directory", dir)
	}

	if info.Mode().Perm() != privateDirMode {
		if err := os.Chmod(dir, privateDirMode); err != nil {
			return fmt.Errorf("xfs: chmod %s: %w", dir, err)
		}
	}

	return nil
}
