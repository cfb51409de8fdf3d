package cache

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

const maxSegmentLen = 64

// Keyer derives storage keys for URLs.
type Keyer struct {
	hasher   crawler.Hasher
	segments int
}

// NewKeyer builds a Keyer keeping at most segments leading path segments.
func NewKeyer(hasher crawler.Hasher, segments int) *Keyer {
	if segments < 0 {
		segments = 0
	}
	return &Keyer{hasher: hasher, segments: segments}
}

// Key lays out <scheme>/<host>[_port]/<path prefix>/<sha256(url)>.json. Only
// the digest identifies the entry; the prefix keeps listings browsable.
func (k *Keyer) Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}
	digest, err := k.hasher.Hash([]byte(rawURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}

	parts := []string{sanitize(strings.ToLower(u.Scheme)), sanitize(strings.ReplaceAll(strings.ToLower(u.Host), ":", "_"))}
	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if len(parts)-2 >= k.segments {
			break
		}
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, sanitize(seg))
	}
	parts = append(parts, digest+".json")
	return strings.Join(parts, "/"), nil
}

func sanitize(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxSegmentLen {
			break
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
