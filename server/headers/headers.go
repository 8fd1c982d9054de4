// Package headers parses the header block of an RFC 822 message into an
// ordered list of fields.
//
// The parser is deliberately forgiving: malformed lines are skipped rather
// than treated as errors, because the message has already been accepted by
// qmail and the only question left is whether to answer it.
package headers

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/migadu/autorespond/helpers"
)

// maxConcatLength bounds the output of Concat.
const maxConcatLength = 16384

// Field is a single header field. Content has folds merged in and line
// endings removed.
type Field struct {
	Tag     string
	Content string
}

// Store is an ordered header list. Duplicate tags are kept as separate
// fields; lookups return the first one.
type Store struct {
	fields []Field
}

// Parse reads header lines from r until a blank line or EOF. The blank line
// is consumed, so r is left positioned at the start of the body.
//
// Only read errors other than io.EOF are returned; whatever was parsed up to
// that point is returned alongside.
func Parse(r *bufio.Reader) (Store, error) {
	var s Store
	current := -1

	for {
		line, err := r.ReadString('\n')
		if line == "" && err != nil {
			if errors.Is(err, io.EOF) {
				return s, nil
			}
			return s, err
		}

		if line == "\n" || line == "\r\n" {
			return s, nil
		}

		switch line[0] {
		case ' ', '\t':
			if current >= 0 {
				s.appendContinuation(current, line)
			}
		default:
			if f, ok := parseFieldLine(line); ok {
				s.fields = append(s.fields, f)
				current = len(s.fields) - 1
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return s, nil
			}
			return s, err
		}
	}
}

// parseFieldLine splits "Tag: content" into a Field. ok is false when the tag
// is unusable, in which case the line is dropped.
func parseFieldLine(line string) (Field, bool) {
	end := strings.IndexAny(line, " \t:")
	if end < 0 {
		end = len(line)
	}
	tag := line[:end]
	if !helpers.ValidateHeaderTag(tag) {
		return Field{}, false
	}

	rest := strings.TrimLeft(line[end:], " \t:")
	content, ok := helpers.SanitizeHeaderContent(rest)
	if !ok {
		content = ""
	}
	return Field{Tag: tag, Content: helpers.TrimLineEnding(content)}, true
}

func (s *Store) appendContinuation(idx int, line string) {
	cont, ok := helpers.SanitizeHeaderContent(line)
	if !ok {
		return
	}
	f := &s.fields[idx]
	if len(f.Content)+len(cont) > helpers.MaxHeaderContentLength {
		return
	}
	f.Content = helpers.TrimLineEnding(f.Content + cont)
}

// Len returns the number of fields.
func (s Store) Len() int {
	return len(s.fields)
}

// Find returns the content of the first field whose tag equals tag,
// ignoring case.
func (s Store) Find(tag string) (string, bool) {
	for _, f := range s.fields {
		if strings.EqualFold(f.Tag, tag) {
			return f.Content, true
		}
	}
	return "", false
}

// FindContaining is Find with the extra requirement that the content contains
// substr, ignoring case. Only the first field with a matching tag is
// considered; later duplicates are not.
func (s Store) FindContaining(tag, substr string) (string, bool) {
	content, ok := s.Find(tag)
	if !ok || !ContainsFold(content, substr) {
		return "", false
	}
	return content, true
}

// Has reports whether a field with the given tag exists.
func (s Store) Has(tag string) bool {
	_, ok := s.Find(tag)
	return ok
}

// Concat joins "tag:content" of all fields matching tag, or of every field
// when tag is empty. Output stops before it would exceed 16 KiB.
func (s Store) Concat(tag string) string {
	var b strings.Builder
	for _, f := range s.fields {
		if tag != "" && !strings.EqualFold(f.Tag, tag) {
			continue
		}
		if b.Len()+len(f.Tag)+1+len(f.Content) > maxConcatLength {
			break
		}
		b.WriteString(f.Tag)
		b.WriteByte(':')
		b.WriteString(f.Content)
	}
	return b.String()
}

// String renders the header chain one field per line, for debug logging.
func (s Store) String() string {
	var b strings.Builder
	for _, f := range s.fields {
		b.WriteString(f.Tag)
		b.WriteString(": ")
		b.WriteString(f.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// ContainsFold reports whether substr is within s, ignoring ASCII case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
