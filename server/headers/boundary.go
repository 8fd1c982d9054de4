package headers

import "strings"

const boundaryParam = "boundary="

// MimeBoundary extracts the multipart boundary token from the Content-Type
// field. It is a heuristic, not a media type parser: the first
// case-insensitive "boundary=" is taken, a quoted value runs to the closing
// quote (or the end of the field if there is none), an unquoted value runs to
// the next ";" or whitespace.
func MimeBoundary(s Store) (string, bool) {
	ct, ok := s.Find("Content-Type")
	if !ok {
		return "", false
	}

	idx := strings.Index(strings.ToLower(ct), boundaryParam)
	if idx < 0 {
		return "", false
	}
	value := ct[idx+len(boundaryParam):]

	var token string
	if strings.HasPrefix(value, `"`) {
		value = value[1:]
		if end := strings.IndexByte(value, '"'); end >= 0 {
			token = value[:end]
		} else {
			token = strings.TrimSpace(value)
		}
	} else {
		if end := strings.IndexAny(value, "; \t\r\n"); end >= 0 {
			token = value[:end]
		} else {
			token = value
		}
	}

	if token == "" {
		return "", false
	}
	return token, true
}
