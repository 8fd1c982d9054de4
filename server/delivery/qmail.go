package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/migadu/autorespond/logger"
	"github.com/migadu/autorespond/pkg/metrics"
)

var errQueueTimeout = errors.New("qmail-queue timed out")

// QmailQueue injects messages by running qmail-queue. The message goes to
// the child on fd 0, the envelope on fd 1.
type QmailQueue struct {
	QmailDir string        // qmail home; the binary is <QmailDir>/bin/qmail-queue
	Timeout  time.Duration // zero means no limit
	Stderr   io.Writer     // where the child's stderr goes, nil discards it
}

func (q *QmailQueue) Name() string {
	return "qmail"
}

func (q *QmailQueue) binary() string {
	return filepath.Join(q.QmailDir, "bin", "qmail-queue")
}

func (q *QmailQueue) Submit(ctx context.Context, msg []byte, from string, rcpts []string) error {
	start := time.Now()
	err := q.submit(ctx, msg, from, rcpts)
	observe(q.Name(), start, err)
	return err
}

func (q *QmailQueue) submit(ctx context.Context, msg []byte, from string, rcpts []string) error {
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	envR, envW, err := os.Pipe()
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to create envelope pipe: %w", err)}
	}
	defer envW.Close()

	cmd := exec.CommandContext(ctx, q.binary())
	cmd.Dir = q.QmailDir
	cmd.Stdin = bytes.NewReader(msg)
	cmd.Stdout = envR
	cmd.Stderr = q.Stderr

	if err := cmd.Start(); err != nil {
		envR.Close()
		return &TransportError{Err: fmt.Errorf("failed to start %s: %w", q.binary(), err)}
	}
	// The child holds its own copy of the read end now.
	envR.Close()

	envelope := EncodeEnvelope(from, rcpts)
	writeErr := make(chan error, 1)
	go func() {
		_, err := envW.Write(envelope)
		if cerr := envW.Close(); err == nil {
			err = cerr
		}
		writeErr <- err
	}()

	waitErr := cmd.Wait()
	envErr := <-writeErr

	if ctx.Err() == context.DeadlineExceeded {
		return &TransportError{Err: errQueueTimeout}
	}
	if waitErr != nil {
		return classifyQueueExit(waitErr)
	}
	if envErr != nil {
		return &TransportError{Err: fmt.Errorf("failed to write envelope: %w", envErr)}
	}

	logger.DebugContext(ctx, "AUTORESPOND: qmail-queue accepted message", "from", from, "rcpts", rcpts)
	return nil
}

// classifyQueueExit maps a qmail-queue failure to a TransportError. Exit
// codes 11 to 40 are permanent per qmail-queue(8), everything else is
// temporary.
func classifyQueueExit(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &TransportError{Err: fmt.Errorf("waiting for qmail-queue: %w", err)}
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return &TransportError{Err: fmt.Errorf("qmail-queue terminated by signal %d", status.Signal())}
	}

	code := exitErr.ExitCode()
	return &TransportError{
		Err:       fmt.Errorf("qmail-queue exited with status %d", code),
		Permanent: code >= 11 && code <= 40,
	}
}

// observe records the outcome of a submission.
func observe(transport string, start time.Time, err error) {
	metrics.TransportDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "failure"
		if IsPermanentError(err) {
			result = "permanent_failure"
		}
	}
	metrics.TransportSubmissions.WithLabelValues(transport, result).Inc()
}
