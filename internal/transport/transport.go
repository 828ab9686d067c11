package transport

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

// Result is a successful provider response.
type Result struct {
	ProviderMessageID string
}

// Sender delivers one email. Errors should be TransientSendError or
// PermanentSendError; anything else is treated as transient.
type Sender interface {
	Send(ctx context.Context, address, templateRef string, params map[string]string) (Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, address, templateRef string, params map[string]string) (Result, error)

func (f SenderFunc) Send(ctx context.Context, address, templateRef string, params map[string]string) (Result, error) {
	return f(ctx, address, templateRef, params)
}

// Classify maps an arbitrary send error onto the transient/permanent taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var perm *appErrors.PermanentSendError
	var trans *appErrors.TransientSendError
	switch {
	case errors.As(err, &perm), errors.As(err, &trans):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return appErrors.NewTransientSend("send timed out", err)
	default:
		return appErrors.NewTransientSend("unclassified send failure", err)
	}
}

// CheckAddress rejects addresses no provider would accept.
func CheckAddress(address string) error {
	a, err := mail.ParseAddress(address)
	if err != nil {
		return appErrors.NewPermanentSend(fmt.Sprintf("malformed address %q", address), err)
	}
	if a.Name != "" || !strings.Contains(a.Address, ".") {
		return appErrors.NewPermanentSend(fmt.Sprintf("malformed address %q", address), nil)
	}
	return nil
}

// RateLimited spaces provider calls with a token bucket.
type RateLimited struct {
	Next    Sender
	Limiter *rate.Limiter
}

func NewRateLimited(next Sender, perSecond int) *RateLimited {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &RateLimited{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

func (r *RateLimited) Send(ctx context.Context, address, templateRef string, params map[string]string) (Result, error) {
	if err := r.Limiter.Wait(ctx); err != nil {
		return Result{}, appErrors.NewTransientSend("rate limiter wait aborted", err)
	}
	return r.Next.Send(ctx, address, templateRef, params)
}

// Paced waits for s's rate limiter, if it has one, and returns the sender to
// call afterwards. Callers can then bound the provider call alone with a
// timeout instead of charging the limiter wait to it.
func Paced(ctx context.Context, s Sender) (Sender, error) {
	rl, ok := s.(*RateLimited)
	if !ok {
		return s, nil
	}
	if err := rl.Limiter.Wait(ctx); err != nil {
		return nil, appErrors.NewTransientSend("rate limiter wait aborted", err)
	}
	return rl.Next, nil
}
