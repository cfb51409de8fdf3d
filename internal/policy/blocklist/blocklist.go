// Package blocklist matches hosts against configured domain patterns.
package blocklist

import "strings"

// List holds exact hosts and suffix wildcards. A nil List blocks nothing.
type List struct {
	exact    map[string]struct{}
	suffixes []string
}

// New parses patterns. "example.com" blocks that host only; "*.example.com"
// and ".example.com" block example.com and every subdomain. It returns nil
// when no pattern is usable.
func New(patterns []string) *List {
	l := &List{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			l.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			l.addSuffix(strings.TrimPrefix(value, "."))
		default:
			l.exact[value] = struct{}{}
		}
	}
	if len(l.exact) == 0 && len(l.suffixes) == 0 {
		return nil
	}
	return l
}

func (l *List) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

// Blocked reports whether host matches a pattern.
func (l *List) Blocked(host string) bool {
	if l == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Len counts the configured patterns.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.suffixes)
}
