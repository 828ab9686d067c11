package appErrors_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

func TestIsPermanent(t *testing.T) {
	perm := appErrors.NewPermanentSend("provider rejected address", nil)
	assert.True(t, appErrors.IsPermanent(perm))
	assert.True(t, appErrors.IsPermanent(fmt.Errorf("send: %w", perm)))

	assert.False(t, appErrors.IsPermanent(appErrors.NewTransientSend("503", nil)))
	assert.False(t, appErrors.IsPermanent(context.DeadlineExceeded))
	assert.False(t, appErrors.IsPermanent(errors.New("boom")))
}

func TestUnwrapChains(t *testing.T) {
	err := appErrors.NewTransientSend("timeout", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	qerr := fmt.Errorf("enqueue: %w", appErrors.NewQueueUnavailable("redis", errors.New("dial tcp: refused")))
	var q *appErrors.QueueUnavailableError
	assert.ErrorAs(t, qerr, &q)
	assert.Equal(t, "redis", q.Backend)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, appErrors.IsNotFound(appErrors.NewCampaignNotFound(4)))
	assert.True(t, appErrors.IsNotFound(fmt.Errorf("load: %w", appErrors.NewRecipientNotFound(9))))
	assert.False(t, appErrors.IsNotFound(appErrors.NewValidation("window", "empty")))
}

func TestInvalidStateMessage(t *testing.T) {
	err := appErrors.NewInvalidState(3, "start", "running", "draft", "scheduled")
	assert.Equal(t, `cannot start campaign 3 in status "running" (allowed from: draft, scheduled)`, err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusOK:                  nil,
		http.StatusBadRequest:          appErrors.NewValidation("window", "inverted"),
		http.StatusNotFound:            fmt.Errorf("load: %w", appErrors.NewCampaignNotFound(7)),
		http.StatusConflict:            appErrors.NewInvalidState(7, "pause", "draft", "running"),
		http.StatusServiceUnavailable:  appErrors.NewQueueUnavailable("amqp", errors.New("channel closed")),
		http.StatusInternalServerError: errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, appErrors.HTTPStatus(err), "%v", err)
	}
}
