package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"outreach-orchestrator/internal/models"
)

// ChatSender delivers a chat message through the messaging provider. A
// template id, when present, tells the provider to render its approved
// template with the supplied variables; the provider rejects free text sent
// with a template id and vice versa.
type ChatSender struct {
	url        string
	httpClient *http.Client
}

// NewChatSender builds the provider client.
func NewChatSender(url string, timeout time.Duration) *ChatSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ChatSender{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (s *ChatSender) Channel() models.Channel { return models.ChannelChat }

type chatMessageRequest struct {
	ToPhone      string            `json:"to_phone"`
	Body         string            `json:"body,omitempty"`
	TemplateSID  string            `json:"template_sid,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

// Send posts the message to the provider.
func (s *ChatSender) Send(ctx context.Context, lead models.Lead, payload models.TaskPayload) error {
	if !lead.HasPhone() {
		return fmt.Errorf("lead %s has no phone", lead.ID)
	}
	req := chatMessageRequest{ToPhone: *lead.Phone}
	if payload.TemplateID != "" {
		req.TemplateSID = payload.TemplateID
		req.TemplateVars = payload.TemplateVars
	} else {
		req.Body = payload.Body
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call chat provider: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat provider returned status %d", resp.StatusCode)
	}
	return nil
}
