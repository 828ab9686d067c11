package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

// HTTPSender posts one message per request to a provider's JSON API.
type HTTPSender struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPSender bounds every provider call by timeout.
func NewHTTPSender(baseURL, apiKey string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, address, templateRef string, params map[string]string) (Result, error) {
	if err := CheckAddress(address); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(sendRequest{To: address, Template: templateRef, Params: params})
	if err != nil {
		return Result{}, appErrors.NewPermanentSend("failed to encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return Result{}, appErrors.NewPermanentSend("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return Result{}, Classify(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{ProviderMessageID: out.MessageID}, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, appErrors.NewTransientSend(providerMessage(resp.StatusCode, out), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{}, appErrors.NewPermanentSend(providerMessage(resp.StatusCode, out), nil)
	default:
		return Result{}, appErrors.NewTransientSend(providerMessage(resp.StatusCode, out), nil)
	}
}

func providerMessage(status int, out sendResponse) string {
	if out.Error != "" {
		return fmt.Sprintf("provider returned %d: %s", status, out.Error)
	}
	return fmt.Sprintf("provider returned %d", status)
}
