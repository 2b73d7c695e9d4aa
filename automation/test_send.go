package automation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"reviewflow/apperrors"
	"reviewflow/logging"
	"reviewflow/models"
	"reviewflow/sender"
	"reviewflow/store"
)

// TestSender delivers a single step to an arbitrary recipient so an owner
// can preview it. It ignores quiet hours, rate limits and enrollment state,
// and records nothing in the activity log.
type TestSender struct {
	Sequences  store.SequenceStore
	Templates  store.TemplateDirectory
	Businesses store.BusinessDirectory
	Sender     sender.Sender
	Timeout    time.Duration
	Logger     *logrus.Entry
}

func NewTestSender(sequences store.SequenceStore, templates store.TemplateDirectory, businesses store.BusinessDirectory, s sender.Sender) *TestSender {
	return &TestSender{
		Sequences:  sequences,
		Templates:  templates,
		Businesses: businesses,
		Sender:     s,
		Timeout:    30 * time.Second,
		Logger:     logging.Component("test_send"),
	}
}

type TestSendResult struct {
	MessageID  string         `json:"message_id"`
	Channel    models.Channel `json:"channel"`
	To         string         `json:"to"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	ProviderID string         `json:"provider_id"`
}

func (t *TestSender) Send(ctx context.Context, businessID, sequenceID uint, index int, recipient models.CustomerIdentity) (*TestSendResult, error) {
	seq, err := t.Sequences.Get(ctx, businessID, sequenceID)
	if err != nil {
		return nil, err
	}
	step := seq.StepAt(index)
	if step == nil {
		return nil, apperrors.NewNotFound("step", uint(index))
	}
	action, err := step.Action()
	if err != nil {
		return nil, err
	}
	send, ok := action.(models.SendAction)
	if !ok {
		return nil, apperrors.Invalid("index", "step %d is a wait step and cannot be test-sent", index)
	}

	tpl, err := t.Templates.Get(ctx, businessID, send.Template())
	if err != nil {
		return nil, err
	}
	if tpl.Channel != send.Channel() {
		return nil, apperrors.Invalid("template_id", "template %d is for %s, step %d sends %s", tpl.ID, tpl.Channel, index, send.Channel())
	}
	business, err := t.Businesses.Get(ctx, businessID)
	if err != nil {
		return nil, err
	}

	recipient = recipient.Normalized()
	customer := &models.Customer{
		BusinessID: businessID,
		Email:      recipient.Email,
		Phone:      recipient.Phone,
		FirstName:  recipient.FirstName,
		LastName:   recipient.LastName,
	}
	if customer.Address(send.Channel()) == "" {
		field := "email"
		if send.Channel() == models.ChannelSMS {
			field = "phone"
		}
		return nil, apperrors.Invalid(field, "a %s is required to test-send step %d", field, index)
	}
	msg, err := sender.Compose(tpl, business, customer)
	if err != nil {
		return nil, err
	}
	msg.SequenceID = seq.ID
	msg.Test = true

	sendCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	receipt, err := t.Sender.Send(sendCtx, msg)

	log := t.Logger.WithFields(logrus.Fields{
		"business_id": businessID,
		"sequence_id": seq.ID,
		"step_index":  index,
		"channel":     send.Channel(),
		"message_id":  msg.ID,
		"test_send":   true,
	})
	if err != nil {
		log.WithError(err).Warn("test send failed")
		return nil, err
	}
	log.Info("test send delivered")

	return &TestSendResult{
		MessageID:  msg.ID,
		Channel:    msg.Channel,
		To:         msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		ProviderID: receipt.ProviderID,
	}, nil
}
