package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// RemoveFileNoError will remove the file at the given path if it exists. Any
// errors will be suppressed.
func RemoveFileNoError(path string) {
	utils.UncheckedErrorFunc(func() error {
		if _, err := os.Stat(path); err == nil {
			return os.Remove(path)
		}
		return nil
	})
}

// SafeJoinDir performs a filepath.Join of 'parent' and 'subdir' but returns an error
// if the resulting path points outside of 'parent'.
// See also https://github.com/cyphar/filepath-securejoin.
func SafeJoinDir(parent, subdir string) (string, error) {
	res := filepath.Join(parent, subdir)
	rel, err := filepath.Rel(filepath.Clean(parent), res)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return res, errors.Errorf("unsafe path join: '%s' with '%s'", parent, subdir)
	}
	return res, nil
}

// ResolveInDir returns path unchanged when it is absolute, otherwise joined onto dir.
func ResolveInDir(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

// LastPathSegment returns the final '/'-delimited segment of line. It splits the way a
// delimiter-driven line reader does: a trailing '/' does not produce an extra empty segment, and
// an empty line has no segments at all, which is reported with ok=false.
func LastPathSegment(line string) (segment string, ok bool) {
	if line == "" {
		return "", false
	}
	parts := strings.Split(line, "/")
	if strings.HasSuffix(line, "/") {
		parts = parts[:len(parts)-1]
	}
	return parts[len(parts)-1], true
}
