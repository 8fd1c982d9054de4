package delivery

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
)

// Stamp prepends Date and Message-ID fields to a composed reply. The
// Message-ID has the form <unixtime.pid.autorespond@local>.
func Stamp(msg []byte, now time.Time, pid int, local string) []byte {
	if local == "" {
		local = "localhost"
	}

	var h mail.Header
	h.SetDate(now.UTC())
	h.SetMessageID(fmt.Sprintf("%d.%d.autorespond@%s", now.Unix(), pid, local))

	var buf bytes.Buffer
	buf.Grow(len(msg) + 128)
	fields := h.Fields()
	for fields.Next() {
		buf.WriteString(fields.Key())
		buf.WriteString(": ")
		buf.WriteString(fields.Value())
		buf.WriteByte('\n')
	}
	buf.Write(msg)
	return buf.Bytes()
}
