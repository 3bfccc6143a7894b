// Package security validates user-supplied paths: dataset manifest entries,
// checkpoint files and result directories.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateRelativePath rejects paths that are absolute or climb out of the
// directory they are resolved against. It is purely lexical, so it works for
// paths on any FileSystem implementation.
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must be relative", p)
	}
	clean := filepath.Clean(p)
	if escapes(clean) {
		return fmt.Errorf("path traversal detected: %s", p)
	}
	return nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir
// on the local disk, following symlinks of the path or of its nearest
// existing parent.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := canonical(absPath)
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if escapes(relPath) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// canonical resolves symlinks in abs. A path that does not exist yet is
// rebuilt on top of its nearest existing parent, so a symlinked parent
// cannot smuggle a new file outside the safe directory.
func canonical(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	for check := abs; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return abs
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, _ := filepath.Rel(parent, abs)
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}

// SanitizeFilename makes a safe file name from an arbitrary string such as a
// run name: characters other than ASCII letters, digits, dot, underscore and
// dash become a single underscore, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune(r)
			}
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
