// Package pathpolicy implements path normalization, glob-allowlist matching,
// and forbidden-path checks.
package pathpolicy

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Normalize rejects absolute paths, ".." components, and a bare ".".
// It returns the cleaned, forward-slash relative path.
func Normalize(rel string) (string, error) {
	if rel == "" || rel == "." {
		return "", fmt.Errorf("pathpolicy: empty or bare dot path")
	}
	p := filepath.ToSlash(rel)
	if path.IsAbs(p) {
		return "", fmt.Errorf("pathpolicy: absolute path not allowed: %s", rel)
	}
	clean := path.Clean(p)
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", fmt.Errorf("pathpolicy: traversal component in %s", rel)
		}
	}
	if clean == "." {
		return "", fmt.Errorf("pathpolicy: bare dot path")
	}
	return clean, nil
}

// MatchGlob reports whether rel matches pattern. A pattern ending in "/**"
// matches its base directory itself or any path prefixed by "base/"; all
// other patterns use path.Match shell-style globbing against the whole
// relative path.
func MatchGlob(pattern, rel string) bool {
	if strings.HasSuffix(pattern, "/**") {
		base := strings.TrimSuffix(pattern, "/**")
		return rel == base || strings.HasPrefix(rel, base+"/")
	}
	ok, err := path.Match(pattern, rel)
	return err == nil && ok
}

// forbiddenPrefixes are directories the orchestrator must never see touched
// by an agent step, regardless of allowlist.
var forbiddenPrefixes = []string{".git/", ".orchestrator/"}

// CheckForbidden returns one error message for each path that falls inside
// VCS metadata or the orchestrator's own state directory.
func CheckForbidden(paths []string) []string {
	var errs []string
	for _, p := range paths {
		for _, prefix := range forbiddenPrefixes {
			if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix) {
				errs = append(errs, fmt.Sprintf("forbidden path modified: %s", p))
				break
			}
		}
	}
	return errs
}

// Allowlister is the minimal subset of a step specification path-checking
// needs: its ordered set of allowed glob patterns.
type Allowlister interface {
	Allowlist() []string
}

// CheckAllowlist normalizes each changed path, rejects symlinks and
// out-of-root escapes, and requires a match against at least one of the
// step's allowlist patterns.
func CheckAllowlist(root string, step Allowlister, paths []string) []string {
	var errs []string
	for _, raw := range paths {
		norm, err := Normalize(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("allowlist: %v", err))
			continue
		}

		abs := filepath.Join(root, norm)
		if info, lerr := os.Lstat(abs); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			errs = append(errs, fmt.Sprintf("allowlist: symlink not allowed: %s", norm))
			continue
		}

		absRoot, _ := filepath.Abs(root)
		absPath, _ := filepath.Abs(abs)
		if !strings.HasPrefix(absPath, absRoot) {
			errs = append(errs, fmt.Sprintf("allowlist: path escapes repository root: %s", norm))
			continue
		}

		matched := false
		for _, pattern := range step.Allowlist() {
			if MatchGlob(pattern, norm) {
				matched = true
				break
			}
		}
		if !matched {
			errs = append(errs, fmt.Sprintf("path outside allowlist: %s", norm))
		}
	}
	return errs
}
