package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidatePath checks a path parameter against the manifest's glob
// patterns, anchored at the workspace. Absolute paths and any traversal
// out of the workspace are rejected before pattern matching.
func ValidatePath(workspace string, patterns []string, candidate string) error {
	if candidate == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(candidate) {
		return fmt.Errorf("absolute path %q not allowed", candidate)
	}

	clean := filepath.Clean(candidate)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the workspace", candidate)
	}
	resolved := filepath.Join(workspace, clean)
	if resolved != workspace && !strings.HasPrefix(resolved, workspace+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the workspace", candidate)
	}

	slashed := filepath.ToSlash(clean)
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, slashed)
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("path %q matches no declared pattern", candidate)
}
