// Package content adapts the external text-generation collaborator behind a
// typed request/response boundary. The collaborator is best-effort: any
// timeout, transport error, or malformed payload falls back to a fixed,
// channel-appropriate default so the pipeline never blocks and never sends a
// null message.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/telemetry"
)

// Scenario selects the email exemplar. It is matched deterministically from
// lead history, never randomly.
type Scenario string

const (
	ScenarioFirstContact Scenario = "first_contact"
	ScenarioFollowUp     Scenario = "follow_up"
	ScenarioReEngagement Scenario = "re_engagement"
)

// MatchScenario derives the email scenario from prior contact history.
func MatchScenario(hasPriorAction, leadResponded bool) Scenario {
	switch {
	case !hasPriorAction:
		return ScenarioFirstContact
	case leadResponded:
		return ScenarioFollowUp
	default:
		return ScenarioReEngagement
	}
}

// GenerateRequest carries the lead facts and channel for one generation call.
type GenerateRequest struct {
	ConsultantName string            `json:"consultant_name"`
	LeadName       string            `json:"lead_name"`
	Category       string            `json:"category,omitempty"`
	Website        string            `json:"website,omitempty"`
	Score          int               `json:"score"`
	Channel        models.Channel    `json:"channel"`
	Scenario       Scenario          `json:"scenario,omitempty"`
	TemplateSlots  map[string]string `json:"template_slots,omitempty"`
}

// Content is the structured generation result. Exactly the fields for the
// requested channel are populated.
type Content struct {
	CallScript    string `json:"call_instruction,omitempty"`
	Message       string `json:"message,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Body          string `json:"body,omitempty"`
	OffsetMinutes int    `json:"scheduled_offset_minutes"`
}

// Generator produces channel-appropriate outbound content.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) Content
}

// HTTPGenerator calls the collaborator over HTTP JSON with a bounded timeout.
type HTTPGenerator struct {
	url        string
	httpClient *http.Client
	cfg        config.Config
}

// NewHTTPGenerator builds the adapter from config.
func NewHTTPGenerator(cfg config.Config) *HTTPGenerator {
	timeout := cfg.ContentGenTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGenerator{
		url:        cfg.ContentGenURL,
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
	}
}

// Generate calls the collaborator and clamps the returned offset to the
// configured per-channel bounds. Errors are absorbed into the fallback.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) Content {
	c, err := g.call(ctx, req)
	if err != nil {
		log.Printf("content: generation failed for lead %q on %s, using fallback: %v", req.LeadName, req.Channel, err)
		telemetry.ContentFallbacks.Inc()
		c = Fallback(req)
	}
	c.OffsetMinutes = clampOffset(g.cfg, req.Channel, c.OffsetMinutes)
	return c
}

func (g *HTTPGenerator) call(ctx context.Context, req GenerateRequest) (Content, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Content{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Content{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return Content{}, fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Content{}, fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Content{}, fmt.Errorf("read response: %w", err)
	}
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("decode response: %w", err)
	}
	if empty(c, req.Channel) {
		return Content{}, fmt.Errorf("generator returned empty content for channel %s", req.Channel)
	}
	return c, nil
}

func empty(c Content, ch models.Channel) bool {
	switch ch {
	case models.ChannelVoice:
		return c.CallScript == ""
	case models.ChannelChat:
		return c.Message == ""
	case models.ChannelEmail:
		return c.Subject == "" || c.Body == ""
	}
	return true
}

// Fallback returns the fixed default content for the channel.
func Fallback(req GenerateRequest) Content {
	name := req.ConsultantName
	if name == "" {
		name = "il vostro consulente"
	}
	switch req.Channel {
	case models.ChannelVoice:
		return Content{
			CallScript:    fmt.Sprintf("Primo contatto commerciale con %s. Presentati come %s, spiega brevemente i tuoi servizi e chiedi se sono interessati.", req.LeadName, name),
			OffsetMinutes: 60,
		}
	case models.ChannelChat:
		return Content{
			Message:       fmt.Sprintf("Buongiorno, sono %s. Ho notato la vostra attività %s e vorrei presentarvi i miei servizi di consulenza. Possiamo fissare una breve chiamata?", name, req.LeadName),
			OffsetMinutes: 15,
		}
	default:
		return Content{
			Subject:       fmt.Sprintf("Collaborazione con %s", req.LeadName),
			Body:          fmt.Sprintf("Buongiorno,\n\nSono %s e vorrei presentarvi i miei servizi di consulenza professionale.\n\nSarebbe possibile fissare una breve chiamata per capire se posso esservi utile?\n\nCordiali saluti,\n%s", name, name),
			OffsetMinutes: 0,
		}
	}
}

func clampOffset(cfg config.Config, ch models.Channel, minutes int) int {
	var lo, hi int
	switch ch {
	case models.ChannelVoice:
		lo, hi = cfg.VoiceOffsetMin, cfg.VoiceOffsetMax
	case models.ChannelChat:
		lo, hi = cfg.ChatOffsetMin, cfg.ChatOffsetMax
	default:
		return 0
	}
	if minutes < lo {
		return lo
	}
	if minutes > hi {
		return hi
	}
	return minutes
}
