// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvariant marks a broken internal invariant. Workers must not swallow it.
var ErrInvariant = errors.New("invariant violation")

// ErrCampaignNotFound is returned when a campaign id has no record.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrRecipientNotFound is returned when a recipient id has no record.
type ErrRecipientNotFound struct {
	RecipientID int
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
}

func NewRecipientNotFound(id int) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

// ValidationError rejects malformed input before anything is scheduled.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError is an illegal lifecycle transition.
type InvalidStateError struct {
	CampaignID int
	Op         string
	Current    string
	Allowed    []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s campaign %d in status %q (allowed from: %s)",
		e.Op, e.CampaignID, e.Current, strings.Join(e.Allowed, ", "))
}

func NewInvalidState(campaignID int, op, current string, allowed ...string) error {
	return &InvalidStateError{CampaignID: campaignID, Op: op, Current: current, Allowed: allowed}
}

// TransientSendError covers network failures, timeouts and provider 5xx. Retried.
type TransientSendError struct {
	Msg string
	Err error
}

func (e *TransientSendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient send error: %s: %v", e.Msg, e.Err)
	}
	return "transient send error: " + e.Msg
}

func (e *TransientSendError) Unwrap() error { return e.Err }

func NewTransientSend(msg string, err error) error {
	return &TransientSendError{Msg: msg, Err: err}
}

// PermanentSendError covers malformed addresses and provider 4xx. Never retried.
type PermanentSendError struct {
	Msg string
	Err error
}

func (e *PermanentSendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent send error: %s: %v", e.Msg, e.Err)
	}
	return "permanent send error: " + e.Msg
}

func (e *PermanentSendError) Unwrap() error { return e.Err }

func NewPermanentSend(msg string, err error) error {
	return &PermanentSendError{Msg: msg, Err: err}
}

// QueueUnavailableError means the queue infrastructure could not be reached.
type QueueUnavailableError struct {
	Backend string
	Err     error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue %s unavailable: %v", e.Backend, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

func NewQueueUnavailable(backend string, err error) error {
	return &QueueUnavailableError{Backend: backend, Err: err}
}

// IsPermanent reports whether a send error must not be retried. Anything not
// explicitly classified as permanent is treated as transient.
func IsPermanent(err error) bool {
	var p *PermanentSendError
	return errors.As(err, &p)
}

func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var r *ErrRecipientNotFound
	return errors.As(err, &c) || errors.As(err, &r)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		se *InvalidStateError
		qe *QueueUnavailableError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &se):
		return http.StatusConflict
	case errors.As(err, &qe):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
