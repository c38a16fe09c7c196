// Package templates mirrors chat template approval state from the messaging
// provider. Approval never originates locally: the provider reviews templates
// and this package only copies its verdicts into Postgres, folding the
// provider's wider status vocabulary into the states the scheduler checks.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
)

// ProviderTemplate is one template as reported by the provider's review API.
type ProviderTemplate struct {
	ID     string `json:"id"`
	SID    string `json:"sid"`
	Name   string `json:"name"`
	Body   string `json:"body"`
	Status string `json:"status"`
}

// Client lists the provider's templates for a tenant.
type Client interface {
	List(ctx context.Context, tenantID string) ([]ProviderTemplate, error)
}

// HTTPClient calls the provider's template review API.
type HTTPClient struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClient builds the provider adapter from config.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	return &HTTPClient{
		url:        cfg.TemplateSyncURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// List fetches the tenant's templates with their current review status.
func (c *HTTPClient) List(ctx context.Context, tenantID string) ([]ProviderTemplate, error) {
	u := c.url + "?tenant_id=" + url.QueryEscape(tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call template provider: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("template provider returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out []ProviderTemplate
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// ApprovalStore is the persistence slice the syncer writes through.
type ApprovalStore interface {
	UpsertTemplateApproval(ctx context.Context, t models.Template) error
}

// Syncer copies provider review state into the local mirror.
type Syncer struct {
	client Client
	store  ApprovalStore
}

// NewSyncer wires the syncer.
func NewSyncer(client Client, store ApprovalStore) *Syncer {
	return &Syncer{client: client, store: store}
}

// Sync mirrors every provider template for the tenant and returns how many
// were written.
func (s *Syncer) Sync(ctx context.Context, tenantID string) (int, error) {
	list, err := s.client.List(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list provider templates: %w", err)
	}

	synced := 0
	for _, pt := range list {
		t := models.Template{
			ID:             pt.ID,
			TenantID:       tenantID,
			Name:           pt.Name,
			Body:           pt.Body,
			ApprovalStatus: models.NormalizeApproval(pt.Status),
		}
		if pt.SID != "" {
			sid := pt.SID
			t.ProviderSID = &sid
		}
		if err := s.store.UpsertTemplateApproval(ctx, t); err != nil {
			return synced, fmt.Errorf("upsert template %s: %w", pt.ID, err)
		}
		synced++
	}
	return synced, nil
}
