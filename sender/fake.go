package sender

import (
	"context"
	"sync"
	"time"
)

// Fake records messages instead of delivering them.
type Fake struct {
	mu   sync.Mutex
	sent []Message

	// Fail, when set, decides the outcome of each send.
	Fail func(Message) error
	// Delay blocks each send, honouring the context.
	Delay time.Duration
}

func (f *Fake) Send(ctx context.Context, msg Message) (Receipt, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	if f.Fail != nil {
		if err := f.Fail(msg); err != nil {
			return Receipt{}, err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return Receipt{ProviderID: "fake-" + msg.ID}, nil
}

func (f *Fake) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}
