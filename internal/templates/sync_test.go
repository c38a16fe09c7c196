package templates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
)

type captureStore struct {
	upserts []models.Template
}

func (c *captureStore) UpsertTemplateApproval(ctx context.Context, t models.Template) error {
	c.upserts = append(c.upserts, t)
	return nil
}

func TestSyncMirrorsNormalizedStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tenant_id"); got != "t1" {
			t.Errorf("unexpected tenant_id %q", got)
		}
		_ = json.NewEncoder(w).Encode([]ProviderTemplate{
			{ID: "tpl-1", SID: "HX1", Name: "opening", Body: "Buongiorno {{1}}", Status: "approved"},
			{ID: "tpl-2", SID: "HX2", Name: "followup", Body: "Gentile {{1}}", Status: "received"},
			{ID: "tpl-3", Name: "old", Body: "x", Status: "paused"},
			{ID: "tpl-4", Name: "weird", Body: "y", Status: "something_else"},
		})
	}))
	defer srv.Close()

	st := &captureStore{}
	syncer := NewSyncer(NewHTTPClient(config.Config{TemplateSyncURL: srv.URL}), st)

	n, err := syncer.Sync(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if n != 4 || len(st.upserts) != 4 {
		t.Fatalf("expected 4 upserts, got n=%d len=%d", n, len(st.upserts))
	}

	want := map[string]string{
		"tpl-1": models.TemplateApproved,
		"tpl-2": models.TemplatePending,
		"tpl-3": models.TemplateRejected,
		"tpl-4": models.TemplateNotSynced,
	}
	for _, u := range st.upserts {
		if u.ApprovalStatus != want[u.ID] {
			t.Errorf("template %s: status %q, want %q", u.ID, u.ApprovalStatus, want[u.ID])
		}
		if u.TenantID != "t1" {
			t.Errorf("template %s: tenant %q", u.ID, u.TenantID)
		}
	}
	if st.upserts[0].ProviderSID == nil || *st.upserts[0].ProviderSID != "HX1" {
		t.Fatalf("provider sid not mirrored: %+v", st.upserts[0].ProviderSID)
	}
	if st.upserts[2].ProviderSID != nil {
		t.Fatalf("missing sid must stay nil")
	}
}

func TestSyncProviderErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	syncer := NewSyncer(NewHTTPClient(config.Config{TemplateSyncURL: srv.URL}), &captureStore{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := syncer.Sync(ctx, "t1"); err == nil {
		t.Fatal("expected error from failing provider")
	}
}
