package delivery

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/autorespond/pkg/retry"
)

// Test SMTP server backend
type testSMTPBackend struct {
	mu       sync.Mutex
	messages []testSMTPMessage
	sessions int
	// rcptErrs is consumed one per RCPT command; nil entries accept.
	rcptErrs []error
	// username and password enable AUTH PLAIN when username is set.
	username string
	password string
	authed   []string
}

type testSMTPMessage struct {
	From string
	To   []string
	Data []byte
}

func (b *testSMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	b.sessions++
	b.mu.Unlock()
	if b.username != "" {
		return &testAuthSession{testSMTPSession{backend: b}}, nil
	}
	return &testSMTPSession{backend: b}, nil
}

func (b *testSMTPBackend) snapshot() ([]testSMTPMessage, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]testSMTPMessage(nil), b.messages...), b.sessions
}

type testSMTPSession struct {
	backend *testSMTPBackend
	from    string
	to      []string
}

func (s *testSMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	var err error
	if len(s.backend.rcptErrs) > 0 {
		err = s.backend.rcptErrs[0]
		s.backend.rcptErrs = s.backend.rcptErrs[1:]
	}
	s.backend.mu.Unlock()
	if err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSMTPSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, testSMTPMessage{
		From: s.from,
		To:   s.to,
		Data: data,
	})
	s.backend.mu.Unlock()

	return nil
}

func (s *testSMTPSession) Reset() {}

func (s *testSMTPSession) Logout() error {
	return nil
}

type testAuthSession struct {
	testSMTPSession
}

func (s *testAuthSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testAuthSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		b := s.backend
		if username != b.username || password != b.password {
			return errors.New("invalid credentials")
		}
		b.mu.Lock()
		b.authed = append(b.authed, username)
		b.mu.Unlock()
		return nil
	}), nil
}

func startTestSMTPServer(t *testing.T, backend *testSMTPBackend) string {
	t.Helper()

	server := smtp.NewServer(backend)
	server.Domain = "relay.test"
	server.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		if err := server.Serve(listener); err != nil && !strings.Contains(err.Error(), "closed") {
			t.Logf("SMTP server error: %v", err)
		}
	}()
	t.Cleanup(func() { server.Close() })

	return listener.Addr().String()
}

func fastBackoff(maxRetries int) retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      maxRetries,
	}
}

func TestSMTPRelay_PlainConnection(t *testing.T) {
	backend := &testSMTPBackend{}
	addr := startTestSMTPServer(t, backend)

	relay := &SMTPRelay{SMTPHost: addr, UseTLS: false, Timeout: 10 * time.Second, Backoff: fastBackoff(0)}
	msg := []byte("Delivered-To: Autoresponder\r\nTo: alice@example.org\r\n\r\nI'm away.\r\n")

	err := relay.Submit(context.Background(), msg, "bob@corp.example", []string{"alice@example.org"})
	require.NoError(t, err)

	messages, _ := backend.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "bob@corp.example", messages[0].From)
	assert.Equal(t, []string{"alice@example.org"}, messages[0].To)
	assert.Contains(t, string(messages[0].Data), "I'm away.")
}

func TestSMTPRelay_NullSender(t *testing.T) {
	backend := &testSMTPBackend{}
	addr := startTestSMTPServer(t, backend)

	relay := &SMTPRelay{SMTPHost: addr, Timeout: 10 * time.Second, Backoff: fastBackoff(0)}
	require.NoError(t, relay.Submit(context.Background(), []byte("x\r\n"), "", []string{"alice@example.org"}))

	messages, _ := backend.snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "", messages[0].From)
}

func TestSMTPRelay_TemporaryErrorIsRetried(t *testing.T) {
	backend := &testSMTPBackend{
		rcptErrs: []error{&smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try again"}},
	}
	addr := startTestSMTPServer(t, backend)

	relay := &SMTPRelay{SMTPHost: addr, Timeout: 10 * time.Second, Backoff: fastBackoff(2)}
	err := relay.Submit(context.Background(), []byte("x\r\n"), "bob@corp.example", []string{"alice@example.org"})
	require.NoError(t, err)

	messages, sessions := backend.snapshot()
	assert.Len(t, messages, 1)
	assert.Equal(t, 2, sessions)
}

func TestSMTPRelay_PermanentErrorNotRetried(t *testing.T) {
	backend := &testSMTPBackend{
		rcptErrs: []error{&smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}},
	}
	addr := startTestSMTPServer(t, backend)

	relay := &SMTPRelay{SMTPHost: addr, Timeout: 10 * time.Second, Backoff: fastBackoff(3)}
	err := relay.Submit(context.Background(), []byte("x\r\n"), "bob@corp.example", []string{"nobody@example.org"})
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))

	messages, sessions := backend.snapshot()
	assert.Empty(t, messages)
	assert.Equal(t, 1, sessions)
}

func TestSMTPRelay_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	relay := &SMTPRelay{SMTPHost: addr, Timeout: 5 * time.Second, Backoff: fastBackoff(1)}
	err = relay.Submit(context.Background(), []byte("x\r\n"), "bob@corp.example", []string{"alice@example.org"})
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestSMTPRelay_NoHost(t *testing.T) {
	relay := &SMTPRelay{}
	err := relay.Submit(context.Background(), []byte("x"), "", []string{"alice@example.org"})
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}

func TestSMTPRelay_BadClientCertificate(t *testing.T) {
	relay := &SMTPRelay{
		SMTPHost:    "127.0.0.1:1",
		UseTLS:      true,
		TLSCertFile: "/nonexistent/cert.pem",
		TLSKeyFile:  "/nonexistent/key.pem",
		Backoff:     fastBackoff(3),
	}
	err := relay.Submit(context.Background(), []byte("x"), "", []string{"alice@example.org"})
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
	assert.Contains(t, err.Error(), "client certificate")
}

func TestSMTPRelay_Auth(t *testing.T) {
	backend := &testSMTPBackend{username: "bob", password: "s3cret"}
	addr := startTestSMTPServer(t, backend)

	relay := &SMTPRelay{
		SMTPHost: addr,
		Username: "bob",
		Password: "s3cret",
		Timeout:  10 * time.Second,
		Backoff:  fastBackoff(0),
	}
	err := relay.Submit(context.Background(), []byte("Subject: hi\r\n\r\nbody\r\n"), "bob@corp.example", []string{"alice@example.org"})
	require.NoError(t, err)

	msgs, _ := backend.snapshot()
	require.Len(t, msgs, 1)
	backend.mu.Lock()
	assert.Equal(t, []string{"bob"}, backend.authed)
	backend.mu.Unlock()
}

func TestSMTPRelay_AuthRejected(t *testing.T) {
	backend := &testSMTPBackend{username: "bob", password: "s3cret"}
	addr := startTestSMTPServer(t, backend)

	relay := &SMTPRelay{
		SMTPHost: addr,
		Username: "bob",
		Password: "wrong",
		Timeout:  10 * time.Second,
		Backoff:  fastBackoff(0),
	}
	err := relay.Submit(context.Background(), []byte("Subject: hi\r\n\r\nbody\r\n"), "bob@corp.example", []string{"alice@example.org"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")

	msgs, _ := backend.snapshot()
	assert.Empty(t, msgs)
}
