// Package sender contains MessageSender implementations that hand
// rendered messages to channel gateways.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/campaign-dispatcher/internal/dispatch"
	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/pkg/httpretry"
)

// WebhookSender posts each send to an HTTP gateway that owns the actual
// channel session. Transport-level hiccups are retried by the client;
// the dispatcher's own retry loop handles send-level transients on top.
type WebhookSender struct {
	client httpretry.HTTPDoer
	url    string
}

// NewWebhookSender creates a sender targeting the gateway URL. A nil
// client gets a retrying default.
func NewWebhookSender(url string, client httpretry.HTTPDoer) *WebhookSender {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &WebhookSender{client: client, url: url}
}

type webhookPayload struct {
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	Content   string `json:"content"`
}

// SendMessage delivers one message. Gateway 2xx means delivered; 429 and
// 5xx are transient; any other status is a permanent recipient failure.
func (s *WebhookSender) SendMessage(ctx context.Context, account domain.AccountRef, recipient dispatch.Contact, content string) dispatch.SendResult {
	body, err := json.Marshal(webhookPayload{
		AccountID: account.ID,
		To:        recipient.Address,
		Content:   content,
	})
	if err != nil {
		return dispatch.SendResult{Err: fmt.Errorf("marshal send payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return dispatch.SendResult{Err: fmt.Errorf("build send request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return dispatch.SendResult{Retriable: true, Err: fmt.Errorf("gateway request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return dispatch.SendResult{OK: true}
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err = fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return dispatch.SendResult{Retriable: true, Err: err}
	}
	if resp.StatusCode >= 500 {
		return dispatch.SendResult{Retriable: true, Err: err}
	}
	return dispatch.SendResult{Err: err}
}
