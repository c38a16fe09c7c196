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

// VoiceSender hands a due call off to the voice-calling bridge. Delivery is
// delegated: from the orchestrator's perspective a voice attempt is scheduled,
// never sent.
type VoiceSender struct {
	url        string
	httpClient *http.Client
}

// NewVoiceSender builds the bridge client.
func NewVoiceSender(url string, timeout time.Duration) *VoiceSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &VoiceSender{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (s *VoiceSender) Channel() models.Channel { return models.ChannelVoice }

type voiceCallRequest struct {
	TargetPhone     string `json:"target_phone"`
	CallInstruction string `json:"call_instruction"`
	LeadName        string `json:"lead_name"`
}

// Send asks the bridge to place the call now.
func (s *VoiceSender) Send(ctx context.Context, lead models.Lead, payload models.TaskPayload) error {
	if !lead.HasPhone() {
		return fmt.Errorf("lead %s has no phone", lead.ID)
	}
	body, err := json.Marshal(voiceCallRequest{
		TargetPhone:     *lead.Phone,
		CallInstruction: payload.CallScript,
		LeadName:        lead.BusinessName,
	})
	if err != nil {
		return fmt.Errorf("marshal call request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call voice bridge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("voice bridge returned status %d", resp.StatusCode)
	}
	return nil
}
