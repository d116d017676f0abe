package mapper

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

// PathFromURI converts a file URI to a workspace-relative slash path. The
// second return is false for URIs outside the workspace root.
func PathFromURI(rootPath string, u uri.URI) (string, bool) {
	abs := u.Filename()
	rel, err := filepath.Rel(rootPath, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// PathFromAbsolute converts an absolute filesystem path to a
// workspace-relative slash path.
func PathFromAbsolute(rootPath, abs string) (string, bool) {
	if !filepath.IsAbs(abs) {
		// Watcher payloads may already be workspace relative.
		return filepath.ToSlash(abs), true
	}
	rel, err := filepath.Rel(rootPath, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// URIFromPath builds the file URI for a workspace-relative path.
func URIFromPath(rootPath, rel string) uri.URI {
	return uri.File(filepath.Join(rootPath, filepath.FromSlash(rel)))
}

// IsIgnored reports whether a workspace-relative path matches any ignore
// pattern. Patterns starting with "/" anchor at the workspace root; all
// others match at any directory boundary. A match must end at a path
// component boundary.
func IsIgnored(relPath string, patterns []string) bool {
	p := "/" + relPath
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		anchored := strings.HasPrefix(pat, "/")
		needle := pat
		if !anchored {
			needle = "/" + pat
		}
		if anchored {
			if matchesBoundary(p, 0, needle) {
				return true
			}
			continue
		}
		for i := 0; i+len(needle) <= len(p); i++ {
			if p[i] == '/' && matchesBoundary(p, i, needle) {
				return true
			}
		}
	}
	return false
}

func matchesBoundary(p string, at int, needle string) bool {
	if !strings.HasPrefix(p[at:], needle) {
		return false
	}
	end := at + len(needle)
	return end == len(p) || p[end] == '/' || strings.HasSuffix(needle, "/")
}
