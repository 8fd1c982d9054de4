package helpers

import (
	"strings"
)

const (
	// MaxHeaderContentLength bounds a single (possibly folded) header value.
	MaxHeaderContentLength = 8192
	// MaxHeaderTagLength bounds a header field name.
	MaxHeaderTagLength = 256
	// MaxPathLength mirrors PATH_MAX on Linux.
	MaxPathLength = 4096
)

// SanitizeHeaderContent strips bytes that have no business in a header value.
//
// Control characters below 0x20 other than TAB, CR and LF are dropped, as is
// DEL. A CR or LF survives only when the next byte is a space or tab, i.e.
// when it is itself a fold point; anything else would let a crafted value
// smuggle extra header lines into the reply.
//
// The second return value is false when content exceeds
// MaxHeaderContentLength, in which case nothing is returned.
func SanitizeHeaderContent(content string) (string, bool) {
	if len(content) > MaxHeaderContentLength {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(content))
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case c == '\r' || c == '\n':
			if i+1 < len(content) && (content[i+1] == ' ' || content[i+1] == '\t') {
				b.WriteByte(c)
			}
		case c < 32 && c != '\t':
			continue
		case c == 127:
			continue
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

// ValidateHeaderTag reports whether tag is a usable header field name:
// non-empty, at most MaxHeaderTagLength bytes, printable ASCII and no colon.
func ValidateHeaderTag(tag string) bool {
	if tag == "" || len(tag) > MaxHeaderTagLength {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return true
}

// ValidateDirectoryPath rejects paths that try to walk out of the intended
// location or that could be truncated by C-based tooling further down.
func ValidateDirectoryPath(path string) bool {
	if path == "" || len(path) > MaxPathLength {
		return false
	}
	if strings.Contains(path, "../") || strings.Contains(path, `..\`) || path == ".." {
		return false
	}
	if strings.ContainsRune(path, '\x00') {
		return false
	}
	return true
}

// TrimLineEnding removes any trailing CR and LF bytes.
func TrimLineEnding(s string) string {
	return strings.TrimRight(s, "\r\n")
}
