package storage

import (
	"errors"
	"path"
	"regexp"
	"strings"
)

var ErrUnsafePath = errors.New("unsafe path")

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CleanRelativePath normalizes a client-supplied relative path to slash form.
// Absolute paths, drive letters and any parent-directory segment are rejected.
func CleanRelativePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || strings.HasPrefix(p, "/") || hasDriveLetter(p) {
		return "", ErrUnsafePath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrUnsafePath
		}
	}
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", ErrUnsafePath
	}
	return clean, nil
}

// SafeBaseName reduces a client file name to a single safe path element.
func SafeBaseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeNameChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}

// StripSharedRoot drops the leading segment common to every path. Paths are
// returned unchanged when they do not all start with the same folder.
func StripSharedRoot(rels []string) []string {
	out := make([]string, len(rels))
	copy(out, rels)
	if len(rels) == 0 {
		return out
	}
	root := ""
	for i, rel := range rels {
		j := strings.IndexByte(rel, '/')
		if j <= 0 || j == len(rel)-1 {
			return out
		}
		if i == 0 {
			root = rel[:j]
		} else if rel[:j] != root {
			return out
		}
	}
	for i, rel := range rels {
		out[i] = rel[len(root)+1:]
	}
	return out
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
