package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func TestSESTransport_Submit(t *testing.T) {
	mock := &mockSESClient{}
	s := NewSESTransportWithClient(mock, fastBackoff(0))
	msg := []byte("To: alice@example.org\n\nI'm away.\n")

	err := s.Submit(context.Background(), msg, "bob@corp.example", []string{"alice@example.org"})
	require.NoError(t, err)

	require.Equal(t, 1, mock.callCount)
	input := mock.lastInput
	require.NotNil(t, input.Content.Raw)
	assert.Equal(t, msg, input.Content.Raw.Data)
	assert.Equal(t, "bob@corp.example", aws.ToString(input.FromEmailAddress))
	assert.Equal(t, []string{"alice@example.org"}, input.Destination.ToAddresses)
	assert.Equal(t, "ses", s.Name())
}

func TestSESTransport_NullSender(t *testing.T) {
	mock := &mockSESClient{}
	s := NewSESTransportWithClient(mock, fastBackoff(0))

	require.NoError(t, s.Submit(context.Background(), []byte("x"), "", []string{"alice@example.org"}))
	assert.Nil(t, mock.lastInput.FromEmailAddress)
}

func TestSESTransport_RetriesThrottling(t *testing.T) {
	mock := &mockSESClient{}
	mock.sendFn = func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
		if mock.callCount < 3 {
			return nil, &types.TooManyRequestsException{Message: aws.String("slow down")}
		}
		return &sesv2.SendEmailOutput{MessageId: aws.String("id")}, nil
	}
	s := NewSESTransportWithClient(mock, fastBackoff(3))

	require.NoError(t, s.Submit(context.Background(), []byte("x"), "bob@corp.example", []string{"alice@example.org"}))
	assert.Equal(t, 3, mock.callCount)
}

func TestSESTransport_RejectedIsPermanent(t *testing.T) {
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, &types.MessageRejected{Message: aws.String("Email address is not verified")}
		},
	}
	s := NewSESTransportWithClient(mock, fastBackoff(3))

	err := s.Submit(context.Background(), []byte("x"), "bob@corp.example", []string{"alice@example.org"})
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
	assert.Equal(t, 1, mock.callCount)
}

func TestSESTransport_Exhausted(t *testing.T) {
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("network unreachable")
		},
	}
	s := NewSESTransportWithClient(mock, fastBackoff(2))

	err := s.Submit(context.Background(), []byte("x"), "bob@corp.example", []string{"alice@example.org"})
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
	assert.Equal(t, 3, mock.callCount)
}

func TestClassifySESError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "rejected", err: &types.MessageRejected{}, want: true},
		{name: "domain not verified", err: &types.MailFromDomainNotVerifiedException{}, want: true},
		{name: "bad request", err: &types.BadRequestException{}, want: true},
		{name: "account suspended", err: &types.AccountSuspendedException{}, want: true},
		{name: "sending paused", err: &types.SendingPausedException{}, want: true},
		{name: "throttled", err: &types.TooManyRequestsException{}, want: false},
		{name: "limit exceeded", err: &types.LimitExceededException{}, want: false},
		{name: "generic", err: errors.New("eof"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySESError(tt.err).Permanent)
		})
	}
}
