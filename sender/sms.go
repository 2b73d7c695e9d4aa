package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"reviewflow/apperrors"
	"reviewflow/models"
)

type SMSConfig struct {
	URL   string
	Token string
	From  string
}

// SMSGateway posts text messages to an HTTP gateway.
type SMSGateway struct {
	cfg    SMSConfig
	Client *fasthttp.Client
}

func NewSMSGateway(cfg SMSConfig) *SMSGateway {
	return &SMSGateway{
		cfg: cfg,
		Client: &fasthttp.Client{
			Name:                "reviewflow",
			MaxConnsPerHost:     64,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type smsRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

type smsResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (g *SMSGateway) Send(ctx context.Context, msg Message) (Receipt, error) {
	if msg.Channel != models.ChannelSMS {
		return Receipt{}, fmt.Errorf("sms gateway cannot deliver %s", msg.Channel)
	}
	payload, err := json.Marshal(smsRequest{To: msg.To, From: g.cfg.From, Body: msg.Body, Reference: msg.ID})
	if err != nil {
		return Receipt{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.cfg.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	req.SetBody(payload)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := g.Client.DoDeadline(req, resp, deadline); err != nil {
		return Receipt{}, &apperrors.SendFailure{Channel: string(models.ChannelSMS), Err: err}
	}

	var out smsResponse
	_ = json.Unmarshal(resp.Body(), &out)
	if status := resp.StatusCode(); status >= 300 {
		reason := out.Error
		if reason == "" {
			reason = fasthttp.StatusMessage(status)
		}
		return Receipt{}, &apperrors.SendFailure{Channel: string(models.ChannelSMS), Err: fmt.Errorf("gateway returned %d: %s", status, reason)}
	}
	if out.ID == "" {
		out.ID = msg.ID
	}
	return Receipt{ProviderID: out.ID}, nil
}
