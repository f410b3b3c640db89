package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-identity-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMailer struct{ mock.Mock }

func (m *mockMailer) SendEmail(to, subject, body string) error {
	return m.Called(to, subject, body).Error(0)
}

type mockSMS struct{ mock.Mock }

func (m *mockSMS) SendSMS(ctx context.Context, to, message string) error {
	return m.Called(ctx, to, message).Error(0)
}

func TestSendEmailCode(t *testing.T) {
	m := &mockMailer{}
	m.On("SendEmail", "alice@example.com", emailSubject, "Your verification code is 123456. It expires in 10 minutes.").Return(nil)

	svc := NewService(m, nil, 10*time.Minute)
	require.NoError(t, svc.SendEmailCode(context.Background(), "alice@example.com", "123456"))
	m.AssertExpectations(t)
}

func TestSendEmailCode_FailureIsDeliveryError(t *testing.T) {
	m := &mockMailer{}
	m.On("SendEmail", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	err := NewService(m, nil, 10*time.Minute).SendEmailCode(context.Background(), "alice@example.com", "123456")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDelivery))
	assert.Equal(t, "could not send verification email", err.Error())
}

func TestSendEmailCode_CancelledContext(t *testing.T) {
	m := &mockMailer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewService(m, nil, 10*time.Minute).SendEmailCode(ctx, "alice@example.com", "123456")
	assert.True(t, errors.Is(err, domain.ErrDelivery))
	assert.True(t, errors.Is(err, context.Canceled))
	m.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendSMSCode(t *testing.T) {
	s := &mockSMS{}
	s.On("SendSMS", mock.Anything, "+14155550100", mock.MatchedBy(func(msg string) bool {
		return assert.Contains(t, msg, "654321")
	})).Return(nil)

	require.NoError(t, NewService(nil, s, 10*time.Minute).SendSMSCode(context.Background(), "+14155550100", "654321"))
	s.AssertExpectations(t)
}

func TestSendSMSCode_NoSender(t *testing.T) {
	err := NewService(nil, nil, 10*time.Minute).SendSMSCode(context.Background(), "+14155550100", "654321")
	assert.True(t, errors.Is(err, domain.ErrDelivery))
}
