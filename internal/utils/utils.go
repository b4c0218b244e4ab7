package utils

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"strings"
)

func NormalizeURL(urlStr string) string {
	urlStr = strings.TrimSpace(urlStr)
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	parsed.Fragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	if parsed.Scheme == "" && parsed.Host != "" {
		parsed.Scheme = "https"
	}

	return parsed.String()
}

// JobID derives the listing identity: the last path segment once trailing
// slashes are dropped. Query and fragment never take part in the identity.
// It returns "" when the reference has no path segment.
func JobID(ref string) string {
	p := strings.TrimSpace(ref)
	if parsed, err := url.Parse(p); err == nil {
		p = parsed.Path
	}
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// CleanText collapses every whitespace run (including NBSP) into one space.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

func ComputeContentHash(content []byte) string {
	hash := md5.Sum(content)
	return fmt.Sprintf("%x", hash)
}
