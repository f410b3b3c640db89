// Package notification routes verification codes to the email and SMS transports.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-identity-api/internal/domain"
)

const emailSubject = "Verify your account"

type mailer interface {
	SendEmail(to, subject, body string) error
}

type smsSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// Service implements otp.Delivery. Transport failures come back as domain delivery errors.
type Service struct {
	mailer mailer
	sms    smsSender
	ttl    time.Duration
}

// NewService accepts a nil sms sender; SMS delivery then fails with a delivery error.
func NewService(m mailer, sms smsSender, codeTTL time.Duration) *Service {
	return &Service{mailer: m, sms: sms, ttl: codeTTL}
}

func (s *Service) SendEmailCode(ctx context.Context, address, code string) error {
	if err := ctx.Err(); err != nil {
		return domain.Delivery(err, "could not send verification email")
	}
	if s.mailer == nil {
		return domain.Delivery(errors.New("mailer not configured"), "email delivery is unavailable")
	}
	if err := s.mailer.SendEmail(address, emailSubject, s.body(code)); err != nil {
		return domain.Delivery(fmt.Errorf("send email to %s: %w", address, err), "could not send verification email")
	}
	return nil
}

func (s *Service) SendSMSCode(ctx context.Context, number, code string) error {
	if s.sms == nil {
		return domain.Delivery(errors.New("sms sender not configured"), "sms delivery is unavailable")
	}
	if err := s.sms.SendSMS(ctx, number, s.body(code)); err != nil {
		return domain.Delivery(fmt.Errorf("send sms to %s: %w", number, err), "could not send verification sms")
	}
	return nil
}

func (s *Service) body(code string) string {
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.ttl.Minutes()))
}
