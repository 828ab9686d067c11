package transport

import (
	"context"
	"math/rand"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

// MockSender simulates a provider for local runs. SuccessRate is the share of
// sends that succeed; failures are transient.
type MockSender struct {
	SuccessRate float64
}

func (m MockSender) Send(ctx context.Context, address, templateRef string, params map[string]string) (Result, error) {
	if err := CheckAddress(address); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, Classify(err)
	}
	if rand.Float64() < m.SuccessRate {
		return Result{ProviderMessageID: "mock-" + uuid.NewString()}, nil
	}
	return Result{}, appErrors.NewTransientSend("mock sending failed", nil)
}
