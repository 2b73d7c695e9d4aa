package sender

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"reviewflow/apperrors"
	"reviewflow/models"
)

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *SMTPSender) message(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	// providers echo this back on delivery webhooks
	m.SetHeader("X-Reviewflow-Message-ID", msg.ID)
	m.SetBody("text/plain", msg.Body)
	return m
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.Channel != models.ChannelEmail {
		return Receipt{}, fmt.Errorf("smtp sender cannot deliver %s", msg.Channel)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if err := s.dialer.DialAndSend(s.message(msg)); err != nil {
		return Receipt{}, &apperrors.SendFailure{Channel: string(models.ChannelEmail), Err: fmt.Errorf("error sending email: %w", err)}
	}
	return Receipt{ProviderID: msg.ID}, nil
}
