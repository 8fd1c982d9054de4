package helpers

import "strings"

// NullSender is qmail's representation of the empty envelope sender after
// address rewriting.
const NullSender = "#@[]"

// IsBounceSender reports whether sender is one we must never answer: the
// empty sender, the null sender, a MAILER-DAEMON or anything without an "@".
func IsBounceSender(sender string) bool {
	if sender == "" || sender == NullSender {
		return true
	}
	if len(sender) >= len("mailer-daemon") && strings.EqualFold(sender[:len("mailer-daemon")], "mailer-daemon") {
		return true
	}
	return !strings.Contains(sender, "@")
}

// ValidateEnvelopeSender performs the basic syntax check applied to $SENDER
// before we trust it as a reply address: exactly one "@", neither the first
// nor the last byte, and no CR, LF or NUL.
func ValidateEnvelopeSender(email string) bool {
	if email == "" || strings.Count(email, "@") != 1 {
		return false
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.ContainsAny(email, "\r\n\x00") {
		return false
	}
	return true
}

// ReplyFromAddress resolves the arsender argument into the envelope sender of
// the reply. "$" builds ext@host, "+" yields the empty sender, anything else is
// used as is. An empty ext or host becomes "unknown" or "localhost".
func ReplyFromAddress(spec, ext, host string) string {
	switch spec {
	case "+":
		return ""
	case "$":
		if ext == "" {
			ext = "unknown"
		}
		if host == "" {
			host = "localhost"
		}
		return ext + "@" + host
	default:
		return spec
	}
}
