// Package responder runs one autoreply decision from start to finish and
// maps the result onto a qmail exit code.
package responder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/migadu/autorespond/consts"
	"github.com/migadu/autorespond/logger"
	"github.com/migadu/autorespond/pkg/metrics"
	"github.com/migadu/autorespond/server/delivery"
	"github.com/migadu/autorespond/server/filter"
	"github.com/migadu/autorespond/server/headers"
	"github.com/migadu/autorespond/server/ratelimit"
)

// Decision labels used in Outcome and metrics.
const (
	DecisionSent            = "sent"
	DecisionSuppressed      = "suppressed"
	DecisionLoop            = "loop"
	DecisionRateLimited     = "rate_limited"
	DecisionTransportFailed = "transport_failed"
	DecisionError           = "error"
)

// Invocation carries everything that varies per delivery.
type Invocation struct {
	Sender string    // $SENDER, the address the reply goes to
	From   string    // envelope sender of the reply, already resolved
	Local  string    // $LOCAL, used in the Message-ID
	Canned []byte    // message file contents
	Quote  bool      // quote the original below the canned text
	Input  io.Reader // the original message
	Now    time.Time // zero means time.Now()
}

// Outcome reports what happened and the exit code to return to qmail-local.
type Outcome struct {
	ExitCode int
	Decision string
	Rule     string
	Err      error
}

// Responder ties the filter chain, the rate limiter and a transport together.
type Responder struct {
	Chain     *filter.Chain
	Limiter   *ratelimit.Limiter
	Composer  *delivery.Composer
	Transport delivery.Transport
	// HaltOnSuppress exits with 99 instead of 0 when a rule suppresses the reply.
	HaltOnSuppress bool
	Pid            int
}

// Run processes one message.
func (r *Responder) Run(ctx context.Context, inv Invocation) Outcome {
	out := r.run(ctx, inv)
	metrics.DecisionsTotal.WithLabelValues(out.Decision, out.Rule).Inc()
	return out
}

func (r *Responder) run(ctx context.Context, inv Invocation) Outcome {
	now := inv.Now
	if now.IsZero() {
		now = time.Now()
	}
	log := logger.With("sender", inv.Sender)

	in := bufio.NewReader(inv.Input)
	hdr, err := headers.Parse(in)
	if err != nil {
		log.Error("AUTORESPOND: failed to read message headers", "error", err)
		return Outcome{ExitCode: consts.ExitSoftError, Decision: DecisionError, Err: err}
	}
	log.DebugContext(ctx, "AUTORESPOND: parsed headers", "count", hdr.Len(), "chain", hdr.String())

	verdict := r.Chain.Evaluate(filter.Input{Sender: inv.Sender, Headers: hdr})
	switch verdict.Action {
	case filter.Loop:
		log.Error("AUTORESPOND: "+verdict.Reason, "rule", verdict.Rule, "delivered_to", hdr.Concat("Delivered-To"))
		return Outcome{ExitCode: consts.ExitHardError, Decision: DecisionLoop, Rule: verdict.Rule}
	case filter.Stop:
		log.Info("AUTORESPOND: "+verdict.Reason, "rule", verdict.Rule)
		code := consts.ExitOK
		if r.HaltOnSuppress {
			code = consts.ExitStop
		}
		return Outcome{ExitCode: code, Decision: DecisionSuppressed, Rule: verdict.Rule}
	}

	decision, err := r.Limiter.CheckAndRecord(ctx, inv.Sender, now)
	if err != nil {
		log.Error("AUTORESPOND: rate limit check failed", "error", err)
		return Outcome{ExitCode: consts.ExitSoftError, Decision: DecisionError, Err: err}
	}
	if !decision.Allowed {
		log.Info("AUTORESPOND: too many received from sender", "count", decision.Count, "threshold", r.Limiter.Threshold)
		return Outcome{ExitCode: consts.ExitOK, Decision: DecisionRateLimited}
	}

	subject, _ := hdr.Find("Subject")
	var buf bytes.Buffer
	reply := delivery.Reply{
		To:      inv.Sender,
		From:    inv.From,
		Canned:  inv.Canned,
		Quote:   inv.Quote,
		Subject: subject,
	}
	if err := r.composer().Compose(&buf, reply, hdr, in); err != nil {
		log.Error("AUTORESPOND: unable to compose reply", "error", err)
		return Outcome{ExitCode: consts.ExitSoftError, Decision: DecisionError, Err: err}
	}
	msg := delivery.Stamp(buf.Bytes(), now, r.Pid, inv.Local)

	if r.Transport == nil {
		log.Error("AUTORESPOND: reply not sent", "error", consts.ErrTransportNotConfigured)
		return Outcome{ExitCode: consts.ExitOK, Decision: DecisionTransportFailed, Err: consts.ErrTransportNotConfigured}
	}
	if err := r.Transport.Submit(ctx, msg, inv.From, []string{inv.Sender}); err != nil {
		// The original message is still delivered; only the reply is lost.
		err = fmt.Errorf("%w: %w", consts.ErrTransportFailed, err)
		log.Error(fmt.Sprintf("AUTORESPOND: Reply failed to send from %s to %s", inv.From, inv.Sender),
			"transport", r.Transport.Name(), "permanent", delivery.IsPermanentError(err), "error", err)
		return Outcome{ExitCode: consts.ExitOK, Decision: DecisionTransportFailed, Err: err}
	}

	log.Info(fmt.Sprintf("AUTORESPOND: Reply sent from %s to %s", inv.From, inv.Sender), "transport", r.Transport.Name())
	return Outcome{ExitCode: consts.ExitOK, Decision: DecisionSent}
}

func (r *Responder) composer() *delivery.Composer {
	if r.Composer == nil {
		return &delivery.Composer{}
	}
	return r.Composer
}
