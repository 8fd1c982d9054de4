package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/autorespond/logger"
	"github.com/migadu/autorespond/pkg/retry"
)

// SMTPRelay submits replies to an SMTP smarthost. Temporary failures (4xx,
// network errors) are retried with backoff, permanent ones (5xx) are not.
type SMTPRelay struct {
	SMTPHost    string
	UseTLS      bool   // Use TLS (default: true)
	TLSVerify   bool   // Verify TLS certificates (default: true)
	UseStartTLS bool   // Use STARTTLS instead of direct TLS
	TLSCertFile string // Client certificate for mTLS (optional)
	TLSKeyFile  string // Client key for mTLS (optional)
	Username    string // SASL PLAIN credentials, AUTH is skipped when empty
	Password    string
	Timeout     time.Duration
	Backoff     retry.BackoffConfig
}

func (r *SMTPRelay) Name() string {
	return "smtp"
}

// Submit sends the message, retrying temporary failures.
func (r *SMTPRelay) Submit(ctx context.Context, msg []byte, from string, rcpts []string) error {
	start := time.Now()
	err := r.submit(ctx, msg, from, rcpts)
	observe(r.Name(), start, err)
	return err
}

func (r *SMTPRelay) submit(ctx context.Context, msg []byte, from string, rcpts []string) error {
	if r.SMTPHost == "" {
		return &TransportError{Err: fmt.Errorf("SMTP relay host not configured"), Permanent: true}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	attempt := 0
	return retry.WithRetryAdvanced(ctx, func() error {
		attempt++
		err := r.sendToSMTPRelay(ctx, msg, from, rcpts)
		if err == nil {
			return nil
		}
		if IsPermanentError(err) {
			return retry.Stop(err)
		}
		logger.WarnContext(ctx, "AUTORESPOND: SMTP relay attempt failed", "host", r.SMTPHost, "attempt", attempt, "error", err)
		return err
	}, r.Backoff)
}

func (r *SMTPRelay) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}

	// Load client certificate if provided (for mTLS)
	if r.TLSCertFile != "" && r.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.TLSCertFile, r.TLSKeyFile)
		if err != nil {
			return nil, &TransportError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (r *SMTPRelay) dial(ctx context.Context) (*smtp.Client, error) {
	tlsConfig, err := r.tlsConfig()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	if !r.UseTLS {
		conn, err := d.DialContext(ctx, "tcp", r.SMTPHost)
		if err != nil {
			return nil, &TransportError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
		}
		return smtp.NewClient(conn), nil
	}

	if r.UseStartTLS {
		conn, err := d.DialContext(ctx, "tcp", r.SMTPHost)
		if err != nil {
			return nil, &TransportError{Err: fmt.Errorf("failed to connect to SMTP relay with STARTTLS: %w", err)}
		}
		if tlsConfig.ServerName == "" {
			if host, _, err := net.SplitHostPort(r.SMTPHost); err == nil {
				tlsConfig.ServerName = host
			}
		}
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, &TransportError{Err: fmt.Errorf("STARTTLS with SMTP relay failed: %w", err), Permanent: IsPermanentError(err)}
		}
		return c, nil
	}

	td := tls.Dialer{NetDialer: &d, Config: tlsConfig}
	conn, err := td.DialContext(ctx, "tcp", r.SMTPHost)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to connect to SMTP relay with TLS: %w", err)}
	}
	return smtp.NewClient(conn), nil
}

// sendToSMTPRelay performs a single SMTP transaction.
func (r *SMTPRelay) sendToSMTPRelay(ctx context.Context, msg []byte, from string, rcpts []string) error {
	c, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	// Unblock any pending read or write once ctx is done.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if r.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			return &TransportError{Err: fmt.Errorf("SMTP relay authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &TransportError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &TransportError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		// Attempt to close the data writer even if write fails, to send the final dot.
		_ = wc.Close()
		return &TransportError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &TransportError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// The message has been accepted at this point.
		logger.WarnContext(ctx, "AUTORESPOND: SMTP relay failed to send QUIT", "error", err)
	}
	return nil
}
