package delivery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/migadu/autorespond/consts"
	"github.com/migadu/autorespond/server/headers"
)

const originalMessageSeparator = "-------- Original Message --------"

// Reply describes the autoreply to build.
type Reply struct {
	To      string // original envelope sender
	From    string // envelope sender of the reply, echoed as X-Original-From
	Canned  []byte // contents of the message file, written verbatim
	Quote   bool   // append the original text below the canned message
	Subject string // original subject, without "Re:"
}

// Composer writes reply messages.
type Composer struct{}

// Compose writes the reply to w. When quoting is enabled, body must be
// positioned at the start of the original message body; it is consumed.
func (c *Composer) Compose(w io.Writer, r Reply, hdr headers.Store, body *bufio.Reader) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "%s\nTo: %s\nX-Original-From: %s\nX-Original-Subject: Re:%s\n",
		consts.DeliveredToMarker, r.To, r.From, r.Subject)
	bw.Write(r.Canned)
	bw.WriteString("\n")

	if r.Quote {
		bw.WriteString(originalMessageSeparator + "\n\n")
		if body != nil {
			if err := SelectBody(hdr).Select(bw, body); err != nil {
				return fmt.Errorf("quoting original message: %w", err)
			}
		}
	}

	bw.WriteString("\n\n")
	return bw.Flush()
}

// BodySelector copies the parts of the original body worth quoting.
type BodySelector interface {
	Select(w io.Writer, body *bufio.Reader) error
}

// SelectBody picks the selector for a message: the boundary heuristic for
// multipart messages, plain quoting otherwise.
func SelectBody(hdr headers.Store) BodySelector {
	if boundary, ok := headers.MimeBoundary(hdr); ok {
		return boundaryHeuristic{boundary: boundary}
	}
	return plainBody{}
}

// plainBody quotes every remaining line.
type plainBody struct{}

func (plainBody) Select(w io.Writer, body *bufio.Reader) error {
	return eachLine(body, func(line string) (bool, error) {
		return true, quoteLine(w, line)
	})
}

// boundaryHeuristic quotes the first text/plain part of a multipart body.
// It does not build a MIME tree: on every boundary line it reads the part
// headers, and once a text/plain part has been found the next boundary line
// ends the scan. Nested multiparts are handled only as far as their
// boundary lines contain the outer boundary string.
type boundaryHeuristic struct {
	boundary string
}

func (b boundaryHeuristic) Select(w io.Writer, body *bufio.Reader) error {
	quoting := false
	return eachLine(body, func(line string) (bool, error) {
		isBoundary := strings.Contains(line, b.boundary)
		if quoting {
			if isBoundary {
				return false, nil
			}
			return true, quoteLine(w, line)
		}
		if isBoundary {
			part, err := headers.Parse(body)
			if err != nil {
				return false, err
			}
			if _, ok := part.FindContaining("Content-Type", "text/plain"); ok {
				quoting = true
			}
		}
		return true, nil
	})
}

// eachLine calls fn for every line of r, including a final line without a
// newline. fn returns false to stop.
func eachLine(r *bufio.Reader, fn func(line string) (bool, error)) error {
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			more, ferr := fn(line)
			if ferr != nil {
				return ferr
			}
			if !more {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func quoteLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, "> "+line)
	return err
}
