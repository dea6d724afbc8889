package fsutil

import (
	"path"
	"path/filepath"
	"strings"
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// slash-based, no-leading-slash relative path ("" means root). Leading ".."
// segments collapse against the root.
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Join returns the absolute filesystem path under root for a request path.
// Only path cleaning is applied; symlinks inside root are followed as-is.
func Join(rootAbs string, urlPath string) string {
	rel := CleanRelPath(urlPath)
	if rel == "" {
		return filepath.Clean(rootAbs)
	}
	return filepath.Join(rootAbs, filepath.FromSlash(rel))
}

// IsRoot reports whether abs names the served root itself.
func IsRoot(rootAbs, abs string) bool {
	return filepath.Clean(rootAbs) == filepath.Clean(abs)
}

// URLDir returns the request path in directory form: leading and trailing
// slash, "/" for the root.
func URLDir(urlPath string) string {
	rel := CleanRelPath(urlPath)
	if rel == "" {
		return "/"
	}
	return "/" + rel + "/"
}
