// Package sender renders templates and hands messages to delivery providers.
package sender

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewflow/apperrors"
	"reviewflow/models"
)

// Message is one rendered outbound message.
type Message struct {
	ID           string
	Channel      models.Channel
	To           string
	Subject      string
	Body         string
	BusinessID   uint
	SequenceID   uint
	EnrollmentID uint
	Test         bool
}

// Receipt is what a provider reports for an accepted message.
type Receipt struct {
	ProviderID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Router dispatches by channel.
type Router struct {
	Email Sender
	SMS   Sender
}

func (r *Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	var s Sender
	switch msg.Channel {
	case models.ChannelEmail:
		s = r.Email
	case models.ChannelSMS:
		s = r.SMS
	}
	if s == nil {
		return Receipt{}, &apperrors.SendFailure{Channel: string(msg.Channel), Err: fmt.Errorf("no sender configured")}
	}
	return s.Send(ctx, msg)
}

// Render fills the placeholders of a template for one customer.
func Render(text string, business *models.Business, customer *models.Customer) string {
	return strings.NewReplacer(
		"{first_name}", customer.FirstName,
		"{last_name}", customer.LastName,
		"{business_name}", business.Name,
		"{review_link}", business.ReviewLink,
	).Replace(text)
}

// Compose renders tpl into a message addressed to the customer on the
// template's channel.
func Compose(tpl *models.Template, business *models.Business, customer *models.Customer) (Message, error) {
	to := customer.Address(tpl.Channel)
	if strings.TrimSpace(to) == "" {
		return Message{}, &apperrors.SendFailure{
			Channel: string(tpl.Channel),
			Err:     fmt.Errorf("customer %d has no %s address", customer.ID, tpl.Channel),
		}
	}
	msg := Message{
		ID:         uuid.NewString(),
		Channel:    tpl.Channel,
		To:         to,
		Body:       Render(tpl.Body, business, customer),
		BusinessID: business.ID,
	}
	if tpl.Channel == models.ChannelEmail {
		msg.Subject = Render(tpl.Subject, business, customer)
	}
	return msg, nil
}

type timeoutSender struct {
	next    Sender
	timeout time.Duration
}

// WithTimeout bounds every send. A provider that ignores the context is
// abandoned when the deadline passes.
func WithTimeout(next Sender, timeout time.Duration) Sender {
	if timeout <= 0 {
		return next
	}
	return &timeoutSender{next: next, timeout: timeout}
}

func (s *timeoutSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		receipt Receipt
		err     error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.next.Send(ctx, msg)
		done <- result{r, err}
	}()

	select {
	case r := <-done:
		return r.receipt, r.err
	case <-ctx.Done():
		return Receipt{}, &apperrors.SendFailure{Channel: string(msg.Channel), Err: fmt.Errorf("send timed out after %s: %w", s.timeout, ctx.Err())}
	}
}
