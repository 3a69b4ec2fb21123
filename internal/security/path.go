package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths and paths that climb out of their
// directory with ".." segments
func ValidateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

// ValidateDatabasePath accepts a sqlite file path, ":memory:" or a "file:" URI
func ValidateDatabasePath(path string) error {
	if path == ":memory:" {
		return nil
	}
	if rest, ok := strings.CutPrefix(path, "file:"); ok {
		name, _, _ := strings.Cut(rest, "?")
		if name == "" || name == ":memory:" {
			return nil
		}
		return ValidateFilePath(name)
	}
	return ValidateFilePath(path)
}
