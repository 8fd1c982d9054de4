// Package filter decides whether an incoming message may be answered.
//
// Rules run in a fixed order and the first rule that objects wins. Most
// rules end the run quietly (Stop), one detects our own replies coming back
// (Loop), which qmail must treat as a hard failure.
package filter

import (
	"fmt"
	"strings"

	"github.com/migadu/autorespond/consts"
	"github.com/migadu/autorespond/helpers"
	"github.com/migadu/autorespond/server/headers"
)

// Action is the outcome of a rule.
type Action int

const (
	// Allow lets the message continue to the next rule.
	Allow Action = iota
	// Stop suppresses the reply; delivery of the original succeeds.
	Stop
	// Loop means the message carries our own marker header.
	Loop
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Stop:
		return "stop"
	case Loop:
		return "loop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Verdict is the result of evaluating a chain. Rule and Reason are empty for
// Allow.
type Verdict struct {
	Action Action
	Rule   string
	Reason string
}

// Input is what a rule gets to look at.
type Input struct {
	Sender  string // envelope sender, $SENDER
	Headers headers.Store
}

// Rule is a single named check. Check returns Allow when it has no objection.
type Rule struct {
	Name  string
	Check func(in Input) (Action, string)
}

// Options enables rules that are not part of the default chain.
type Options struct {
	HonorAutoSubmitted  bool
	ExtraSenderPatterns []string
}

// Chain is an ordered list of rules.
type Chain struct {
	rules []Rule
}

// NewChain builds the standard chain. With zero Options it contains exactly
// the default rules.
func NewChain(opts Options) (*Chain, error) {
	matcher, err := NewSenderMatcher(opts.ExtraSenderPatterns...)
	if err != nil {
		return nil, err
	}

	rules := []Rule{
		{Name: "bounce-sender", Check: checkBounceSender},
		{Name: "invalid-sender", Check: checkSenderSyntax},
		{Name: "mailing-list", Check: checkMailingList},
		{Name: "loop", Check: checkLoop},
		{Name: "precedence", Check: checkPrecedence},
		{Name: "list-headers", Check: checkListHeaders},
	}
	if opts.HonorAutoSubmitted {
		rules = append(rules, Rule{Name: "auto-submitted", Check: checkAutoSubmitted})
	}
	rules = append(rules,
		Rule{Name: "spam-level", Check: checkSpamLevel},
		Rule{Name: "user-agent", Check: checkUserAgent},
		Rule{Name: "sender-filter", Check: senderFilterRule(matcher)},
	)

	return &Chain{rules: rules}, nil
}

// Evaluate runs the rules in order and returns the first non-Allow verdict.
func (c *Chain) Evaluate(in Input) Verdict {
	for _, r := range c.rules {
		action, reason := r.Check(in)
		if action != Allow {
			return Verdict{Action: action, Rule: r.Name, Reason: reason}
		}
	}
	return Verdict{Action: Allow}
}

// Names lists the rule names in evaluation order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	return names
}

// truncate limits untrusted values echoed into log lines.
func truncate(s string) string {
	const max = 100
	if len(s) > max {
		return s[:max]
	}
	return s
}

func checkBounceSender(in Input) (Action, string) {
	if helpers.IsBounceSender(in.Sender) {
		return Stop, fmt.Sprintf("stopping on mail from [%s]", truncate(in.Sender))
	}
	return Allow, ""
}

func checkSenderSyntax(in Input) (Action, string) {
	if !helpers.ValidateEnvelopeSender(in.Sender) {
		return Stop, "invalid sender email address format"
	}
	return Allow, ""
}

func checkMailingList(in Input) (Action, string) {
	if in.Headers.Has("Mailing-List") {
		return Stop, "this looks like it's from a mailing list"
	}
	return Allow, ""
}

func checkLoop(in Input) (Action, string) {
	if _, ok := in.Headers.FindContaining("Delivered-To", consts.LoopMarkerValue); ok {
		return Loop, "message is looping, it has my Delivered-To header"
	}
	return Allow, ""
}

func checkPrecedence(in Input) (Action, string) {
	for _, p := range []string{"junk", "bulk", "list"} {
		if v, ok := in.Headers.FindContaining("Precedence", p); ok {
			return Stop, fmt.Sprintf("junk mail received (Precedence: %s)", truncate(v))
		}
	}
	return Allow, ""
}

// listHeaders mark list traffic and transactional or campaign mail. Presence
// alone is enough.
var listHeaders = []string{
	"List-Id",
	"List-Unsubscribe",
	"X-Report-Abuse-To",
	"X-Patreon-UUID",
	"X-Mailgun-Tag",
}

func checkListHeaders(in Input) (Action, string) {
	for _, tag := range listHeaders {
		if in.Headers.Has(tag) {
			return Stop, fmt.Sprintf("message has %s header", tag)
		}
	}
	return Allow, ""
}

// checkAutoSubmitted follows RFC 3834: anything but "no" was generated by a
// machine.
func checkAutoSubmitted(in Input) (Action, string) {
	v, ok := in.Headers.Find("Auto-Submitted")
	if !ok {
		return Allow, ""
	}
	if strings.EqualFold(strings.TrimSpace(v), "no") {
		return Allow, ""
	}
	return Stop, fmt.Sprintf("Auto-Submitted: %s", truncate(v))
}

func checkSpamLevel(in Input) (Action, string) {
	if v, ok := in.Headers.Find("X-Spam-Level"); ok && strings.Contains(v, "*") {
		return Stop, fmt.Sprintf("X-Spam-Level header contains asterisk: %s", truncate(v))
	}
	return Allow, ""
}

func checkUserAgent(in Input) (Action, string) {
	v, ok := in.Headers.Find("User-Agent")
	if ok && (strings.Contains(v, "mailx") || strings.Contains(v, "s-nail")) {
		return Stop, fmt.Sprintf("User-Agent header contains CLI-based mail agent: %s", truncate(v))
	}
	return Allow, ""
}

// senderFilterHeaders are checked against the sender list, in this order.
var senderFilterHeaders = []string{"Sender", "From", "Reply-To", "Return-Path"}

func senderFilterRule(m *SenderMatcher) func(Input) (Action, string) {
	return func(in Input) (Action, string) {
		for _, tag := range senderFilterHeaders {
			if v, ok := in.Headers.Find(tag); ok && m.Match(v) {
				return Stop, fmt.Sprintf("%s header matches filter list: %s", tag, truncate(v))
			}
		}
		return Allow, ""
	}
}
