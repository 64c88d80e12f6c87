// Package notifier implements the Notifier external adapter: sends a
// templated email/SMS/push message to a recipient, rate-limited per
// recipient so a runaway trigger cannot flood one person.
package notifier

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
)

const adapterName = "notifier"

// Channel is the closed set of delivery channels.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Message is one templated notification to send.
type Message struct {
	Channel    Channel
	Recipient  string
	TemplateID string
	Variables  map[string]string
}

// Sender drives the actual delivery for one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrRateLimited is returned when a recipient has exceeded their send rate
// and the message could not be admitted.
var ErrRateLimited = fmt.Errorf("notifier: recipient rate limit exceeded")

// Adapter rate-limits per recipient around a Sender.
type Adapter struct {
	sender Sender
	rps    rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs an Adapter. ratePerMinute/burst bound how many
// notifications one recipient can receive.
func New(sender Sender, ratePerMinute float64, burst int) *Adapter {
	if burst <= 0 {
		burst = 1
	}
	return &Adapter{
		sender:   sender,
		rps:      rate.Limit(ratePerMinute / 60),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (a *Adapter) limiterFor(recipient string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[recipient]
	if !ok {
		l = rate.NewLimiter(a.rps, a.burst)
		a.limiters[recipient] = l
	}
	return l
}

// Send admits msg against its recipient's rate limit, then dispatches it.
// A denied limit is PolicyBlocked: this is a deliberate throttle, not a
// transport failure, and retrying immediately would just be denied again.
func (a *Adapter) Send(ctx context.Context, msg Message) error {
	if !a.limiterFor(msg.Recipient).Allow() {
		return adaptererr.NewPolicyBlocked(adapterName, "send", ErrRateLimited)
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		return adaptererr.NewTransient(adapterName, "send", err)
	}
	return nil
}
