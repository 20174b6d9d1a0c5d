package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/monocod/internal/httpkit"
)

// WebhookAdapter dispatches outbound messages as JSON POSTs to a fixed
// endpoint. It is the generic bridge for providers whose real codec
// runs elsewhere (a relay service, a serverless function): the daemon
// hands the common schema over HTTP and the relay does the wire-level
// packing.
type WebhookAdapter struct {
	provider string
	url      string
	client   *http.Client
}

// NewWebhookAdapter builds an adapter posting provider traffic to url.
func NewWebhookAdapter(provider, url string) *WebhookAdapter {
	return &WebhookAdapter{
		provider: provider,
		url:      url,
		client: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
		),
	}
}

func (a *WebhookAdapter) Name() string { return a.provider }

// webhookPayload is the JSON body posted to the relay.
type webhookPayload struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	ContentType  string       `json:"content_type,omitempty"`
	Session      SessionRef   `json:"session"`
	Participants Participants `json:"participants"`
	Text         string       `json:"text"`
}

func (a *WebhookAdapter) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(webhookPayload{
		ID:           msg.Front.ID,
		Provider:     msg.Front.Provider,
		ContentType:  msg.Front.ContentType,
		Session:      msg.Front.Session,
		Participants: msg.Front.Participants,
		Text:         msg.Body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mailbox: webhook %s returned %s: %s",
			a.url, resp.Status, httpkit.ReadErrorBody(resp.Body, 1<<10))
	}
	return nil
}
