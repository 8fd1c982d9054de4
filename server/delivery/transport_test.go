package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEnvelope(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		rcpts []string
		want  string
	}{
		{
			name:  "single recipient",
			from:  "bob@corp.example",
			rcpts: []string{"alice@example.org"},
			want:  "Fbob@corp.example\x00Talice@example.org\x00\x00",
		},
		{
			name:  "null sender",
			from:  "",
			rcpts: []string{"alice@example.org"},
			want:  "F\x00Talice@example.org\x00\x00",
		},
		{
			name:  "two recipients",
			from:  "bob@corp.example",
			rcpts: []string{"a@x.example", "b@y.example"},
			want:  "Fbob@corp.example\x00Ta@x.example\x00Tb@y.example\x00\x00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(EncodeEnvelope(tt.from, tt.rcpts)))
		})
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("connection reset"), want: false},
		{name: "permanent transport error", err: &TransportError{Err: errors.New("x"), Permanent: true}, want: true},
		{name: "temporary transport error", err: &TransportError{Err: errors.New("x")}, want: false},
		{name: "wrapped permanent", err: fmt.Errorf("submit: %w", &TransportError{Err: errors.New("x"), Permanent: true}), want: true},
		{name: "smtp 550", err: &smtp.SMTPError{Code: 550, Message: "no such user"}, want: true},
		{name: "smtp 451", err: &smtp.SMTPError{Code: 451, Message: "try later"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanentError(tt.err))
		})
	}
}

func TestTransportError(t *testing.T) {
	inner := errors.New("boom")

	perm := &TransportError{Err: inner, Permanent: true}
	assert.Equal(t, "permanent failure: boom", perm.Error())
	assert.ErrorIs(t, perm, inner)

	temp := &TransportError{Err: inner}
	assert.Equal(t, "temporary failure: boom", temp.Error())
}

// fakeQmailDir installs a shell script as <dir>/bin/qmail-queue. The script
// saves its stdin, fd 1 and working directory under out.
func fakeQmailDir(t *testing.T, exitCode int) (qmailDir, out string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	qmailDir = t.TempDir()
	out = t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(qmailDir, "bin"), 0755))

	script := fmt.Sprintf(`#!/bin/sh
cat > "%[1]s/message"
cat <&1 > "%[1]s/envelope"
pwd > "%[1]s/cwd"
exit %[2]d
`, out, exitCode)
	require.NoError(t, os.WriteFile(filepath.Join(qmailDir, "bin", "qmail-queue"), []byte(script), 0755))
	return qmailDir, out
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestQmailQueue_Submit(t *testing.T) {
	qmailDir, out := fakeQmailDir(t, 0)
	q := &QmailQueue{QmailDir: qmailDir, Timeout: 10 * time.Second}

	msg := []byte("To: alice@example.org\n\nI'm away.\n")
	err := q.Submit(context.Background(), msg, "bob@corp.example", []string{"alice@example.org"})
	require.NoError(t, err)

	assert.Equal(t, string(msg), readFile(t, filepath.Join(out, "message")))
	assert.Equal(t, "Fbob@corp.example\x00Talice@example.org\x00\x00", readFile(t, filepath.Join(out, "envelope")))

	cwd, err := filepath.EvalSymlinks(qmailDir)
	require.NoError(t, err)
	gotCwd, err := filepath.EvalSymlinks(strings.TrimSpace(readFile(t, filepath.Join(out, "cwd"))))
	require.NoError(t, err)
	assert.Equal(t, cwd, gotCwd)
}

func TestQmailQueue_PermanentExit(t *testing.T) {
	qmailDir, _ := fakeQmailDir(t, 31)
	q := &QmailQueue{QmailDir: qmailDir}

	err := q.Submit(context.Background(), []byte("x\n"), "", []string{"alice@example.org"})
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
	assert.Contains(t, err.Error(), "status 31")
}

func TestQmailQueue_TemporaryExit(t *testing.T) {
	qmailDir, _ := fakeQmailDir(t, 71)
	q := &QmailQueue{QmailDir: qmailDir}

	err := q.Submit(context.Background(), []byte("x\n"), "", []string{"alice@example.org"})
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
	assert.Contains(t, err.Error(), "status 71")
}

func TestQmailQueue_MissingBinary(t *testing.T) {
	q := &QmailQueue{QmailDir: t.TempDir()}

	err := q.Submit(context.Background(), []byte("x\n"), "", []string{"alice@example.org"})
	require.Error(t, err)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestQmailQueue_Timeout(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	qmailDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(qmailDir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(qmailDir, "bin", "qmail-queue"),
		[]byte("#!/bin/sh\nexec sleep 30\n"), 0755))

	q := &QmailQueue{QmailDir: qmailDir, Timeout: 100 * time.Millisecond}
	start := time.Now()
	err := q.Submit(context.Background(), []byte("x\n"), "", []string{"alice@example.org"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errQueueTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}
