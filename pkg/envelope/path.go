package envelope

import "strings"

// SplitPath splits a slash-delimited path into non-empty segments.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// JoinPath joins segments with slashes, dropping empties.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, SplitPath(s)...)
	}
	return strings.Join(parts, "/")
}

// NormalizePath removes duplicate and surrounding slashes.
func NormalizePath(path string) string {
	return strings.Join(SplitPath(path), "/")
}

// EnvironmentOf returns the first segment of path, which names the target
// environment for transport routing.
func EnvironmentOf(path string) string {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

// StripPrefix removes prefix from path when it matches on a segment boundary.
// The second result reports whether the prefix matched.
func StripPrefix(path, prefix string) (string, bool) {
	p := SplitPath(path)
	pre := SplitPath(prefix)
	if len(pre) == 0 {
		return strings.Join(p, "/"), true
	}
	if len(pre) > len(p) {
		return strings.Join(p, "/"), false
	}
	for i := range pre {
		if p[i] != pre[i] {
			return strings.Join(p, "/"), false
		}
	}
	return strings.Join(p[len(pre):], "/"), true
}

// HasPathPrefix reports whether path starts with prefix on a segment boundary.
func HasPathPrefix(path, prefix string) bool {
	_, ok := StripPrefix(path, prefix)
	return ok
}
