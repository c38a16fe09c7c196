package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach-orchestrator/internal/models"
)

// ErrNoEligibleLead signals an empty eligibility scan for the tenant.
var ErrNoEligibleLead = errors.New("no eligible lead")

// ErrTaskNotRetryable signals a retry request for a task that is not failed or
// has exhausted its attempts.
var ErrTaskNotRetryable = errors.New("task is not retryable")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// TenantSettings loads the per-tenant outreach configuration.
func (s *Store) TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, consultant_name, enabled, score_threshold,
		       channel_priority, chat_account_id, chat_template_ids, email_account_id
		FROM tenant_settings WHERE tenant_id = $1
	`, tenantID)

	var ts models.TenantSettings
	var threshold pgtype.Int4
	var chatAccount pgtype.Text
	var emailAccount pgtype.Text
	if err := row.Scan(&ts.TenantID, &ts.ConsultantName, &ts.Enabled, &threshold,
		&ts.ChannelPriority, &chatAccount, &ts.ChatTemplateIDs, &emailAccount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TenantSettings{}, fmt.Errorf("tenant settings not found: %w", err)
		}
		return models.TenantSettings{}, fmt.Errorf("scan tenant settings: %w", err)
	}
	if threshold.Valid {
		v := int(threshold.Int32)
		ts.ScoreThreshold = &v
	}
	ts.ChatAccountID = textPtr(chatAccount)
	ts.EmailAccountID = textPtr(emailAccount)
	return ts, nil
}

// EnabledTenantIDs lists tenants with autonomous outreach switched on.
func (s *Store) EnabledTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id FROM tenant_settings WHERE enabled ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query enabled tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EmailAccount loads a bound SMTP account. An empty id returns the tenant's
// first account by creation order, matching the original lookup.
func (s *Store) EmailAccount(ctx context.Context, tenantID, accountID string) (models.EmailAccount, error) {
	q := `
		SELECT id, tenant_id, smtp_host, smtp_port, smtp_user, smtp_password, email_address, display_name
		FROM email_accounts WHERE tenant_id = $1
	`
	args := []any{tenantID}
	if accountID != "" {
		q += ` AND id = $2`
		args = append(args, accountID)
	}
	q += ` ORDER BY created_at LIMIT 1`

	var a models.EmailAccount
	var display pgtype.Text
	err := s.pool.QueryRow(ctx, q, args...).Scan(&a.ID, &a.TenantID, &a.SMTPHost, &a.SMTPPort,
		&a.SMTPUser, &a.SMTPPassword, &a.EmailAddress, &display)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailAccount{}, fmt.Errorf("no smtp account bound for tenant %s", tenantID)
	}
	if err != nil {
		return models.EmailAccount{}, fmt.Errorf("scan email account: %w", err)
	}
	a.DisplayName = textPtr(display)
	return a, nil
}

const leadColumns = `id, tenant_id, business_name, category, phone, email, website,
	score, lead_status, next_action, next_action_at, created_at, updated_at`

// ClaimEligibleLead selects the highest-score eligible lead and stamps a short
// claim on next_action_at inside the same transaction, so a racing manual
// trigger cannot act on the same lead. Eligibility excludes leads already in a
// terminal or in-flight status and leads whose cooldown has not elapsed.
func (s *Store) ClaimEligibleLead(ctx context.Context, tenantID string, minScore int, claimUntil time.Time) (models.Lead, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Lead{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE tenant_id = $1
		  AND score >= $2
		  AND lead_status NOT IN ('contacted', 'not_interested', 'in_negotiation', 'in_outreach')
		  AND (next_action_at IS NULL OR next_action_at < NOW())
		ORDER BY score DESC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, tenantID, minScore)

	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lead{}, ErrNoEligibleLead
	}
	if err != nil {
		return models.Lead{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE leads SET next_action_at = $2, updated_at = NOW() WHERE id = $1
	`, lead.ID, claimUntil); err != nil {
		return models.Lead{}, fmt.Errorf("claim lead: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Lead{}, fmt.Errorf("commit claim: %w", err)
	}
	lead.NextActionAt = &claimUntil
	return lead, nil
}

// GetLead fetches a lead by id.
func (s *Store) GetLead(ctx context.Context, id string) (models.Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lead{}, fmt.Errorf("lead not found: %w", err)
	}
	return lead, err
}

// MarkLeadUnreachable terminally parks a lead that has no contact info.
func (s *Store) MarkLeadUnreachable(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET lead_status = $2, next_action = 'No contact info available', updated_at = NOW()
		WHERE id = $1
	`, id, models.LeadStatusNotInterested)
	return err
}

func scanLead(row pgx.Row) (models.Lead, error) {
	var l models.Lead
	var category, phone, email, website, nextAction pgtype.Text
	var nextActionAt pgtype.Timestamptz
	if err := row.Scan(&l.ID, &l.TenantID, &l.BusinessName, &category, &phone, &email, &website,
		&l.Score, &l.Status, &nextAction, &nextActionAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return models.Lead{}, err
	}
	l.Category = textPtr(category)
	l.Phone = textPtr(phone)
	l.Email = textPtr(email)
	l.Website = textPtr(website)
	l.NextAction = textPtr(nextAction)
	if nextActionAt.Valid {
		t := nextActionAt.Time
		l.NextActionAt = &t
	}
	return l, nil
}

// RecordParams collects the three sub-writes of one outcome record.
type RecordParams struct {
	Action       models.OutreachAction
	LeadStatus   string // empty leaves the status untouched
	NextAction   string
	NextActionAt time.Time
	Event        models.ActivityEvent
}

// RecordOutcome applies one attempt's bookkeeping transactionally: the
// append-only action row, the lead transition, and the activity event. The
// action id is claimed in recorded_actions inside the same transaction; a
// replay of an already-recorded action id is a no-op and returns false.
func (s *Store) RecordOutcome(ctx context.Context, p RecordParams) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO recorded_actions (action_id) VALUES ($1)
		ON CONFLICT (action_id) DO NOTHING
	`, p.Action.ID)
	if err != nil {
		return false, fmt.Errorf("claim action id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outreach_actions (id, tenant_id, lead_id, parent_action_id, lead_name,
			channel, status, message_preview, scheduled_at, executed_at, result_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`, p.Action.ID, p.Action.TenantID, p.Action.LeadID, p.Action.ParentActionID, p.Action.LeadName,
		p.Action.Channel, p.Action.Status, p.Action.MessagePreview, p.Action.ScheduledAt,
		p.Action.ExecutedAt, p.Action.ResultNote); err != nil {
		return false, fmt.Errorf("insert action: %w", err)
	}

	if p.LeadStatus != "" {
		_, err = tx.Exec(ctx, `
			UPDATE leads SET lead_status = $2, next_action = $3, next_action_at = $4, updated_at = NOW()
			WHERE id = $1
		`, p.Action.LeadID, p.LeadStatus, p.NextAction, p.NextActionAt)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE leads SET next_action = $2, next_action_at = $3, updated_at = NOW()
			WHERE id = $1
		`, p.Action.LeadID, p.NextAction, p.NextActionAt)
	}
	if err != nil {
		return false, fmt.Errorf("update lead: %w", err)
	}

	// An event without a conversation would pollute the aggregated feed with
	// a phantom "" group; the action row and lead transition still land.
	if p.Event.ConversationID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO activity_events (id, tenant_id, conversation_id, lead_id, lead_name,
				event_type, title, detail, channel, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		`, p.Event.ID, p.Event.TenantID, p.Event.ConversationID, p.Event.LeadID, p.Event.LeadName,
			p.Event.Type, p.Event.Title, p.Event.Detail, p.Event.Channel); err != nil {
			return false, fmt.Errorf("insert activity event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit outcome: %w", err)
	}
	return true, nil
}

// CreateScheduledTask inserts a deferred-execution record in state scheduled.
func (s *Store) CreateScheduledTask(ctx context.Context, t models.ScheduledTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, tenant_id, lead_id, action_id, channel, status,
			run_at, attempts, max_attempts, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, t.ID, t.TenantID, t.LeadID, t.ActionID, t.Channel, models.TaskStatusScheduled,
		t.RunAt, t.Attempts, t.MaxAttempts, payload)
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

// GetScheduledTask fetches a task by id.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (models.ScheduledTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, lead_id, action_id, channel, status, run_at,
		       attempts, max_attempts, payload, last_error, created_at, updated_at
		FROM scheduled_tasks WHERE id = $1
	`, id)

	var t models.ScheduledTask
	var payload []byte
	var lastErr pgtype.Text
	if err := row.Scan(&t.ID, &t.TenantID, &t.LeadID, &t.ActionID, &t.Channel, &t.Status,
		&t.RunAt, &t.Attempts, &t.MaxAttempts, &payload, &lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ScheduledTask{}, fmt.Errorf("task not found: %w", err)
		}
		return models.ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	t.LastError = textPtr(lastErr)
	return t, nil
}

// ClaimScheduledTask conditionally moves a task from scheduled to executing.
// The claim must precede any send: two actors racing the same task (a manual
// send-now against the sweep) both read scheduled, but only one wins this
// write, so only one delivers.
func (s *Store) ClaimScheduledTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.TaskStatusExecuting, models.TaskStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteScheduledTask transitions a claimed task to its terminal status.
// Only the claim holder can be in executing, so a replayed completion affects
// zero rows and returns false.
func (s *Store) CompleteScheduledTask(ctx context.Context, id, status string, attempts int, lastError *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, status, attempts, lastError, models.TaskStatusExecuting)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseStaleExecutingTasks returns tasks stuck in executing since before the
// cutoff to the scheduled state. A claim holder that dies between claim and
// completion leaves its task here; the sweep re-runs it under a fresh claim,
// and the deterministic completion action id absorbs any duplicate record.
func (s *Store) ReleaseStaleExecutingTasks(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_tasks SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE status = $2 AND updated_at < $3
			ORDER BY updated_at
			LIMIT $4
		)
		RETURNING id
	`, models.TaskStatusScheduled, models.TaskStatusExecuting, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("release stale executing tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RetryScheduledTask re-enqueues a failed task with the attempt counter
// incremented. It refuses tasks that are not failed or have exhausted their
// attempts with ErrTaskNotRetryable.
func (s *Store) RetryScheduledTask(ctx context.Context, id string, runAt time.Time) (models.ScheduledTask, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET status = $2, attempts = attempts + 1, run_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND attempts < max_attempts
	`, id, models.TaskStatusScheduled, runAt, models.TaskStatusFailed)
	if err != nil {
		return models.ScheduledTask{}, fmt.Errorf("retry task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ScheduledTask{}, ErrTaskNotRetryable
	}
	return s.GetScheduledTask(ctx, id)
}

// DueScheduledTaskIDs lists scheduled task ids whose run_at has passed, used
// by the worker to reconcile the Redis schedule after a cold start.
func (s *Store) DueScheduledTaskIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM scheduled_tasks
		WHERE status = $1 AND run_at <= $2
		ORDER BY run_at
		LIMIT $3
	`, models.TaskStatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FirstApprovedTemplate resolves the configured template ids to the first one
// whose mirrored approval status is approved. Order follows the configured
// list, not the table.
func (s *Store) FirstApprovedTemplate(ctx context.Context, tenantID string, ids []string) (models.Template, bool, error) {
	for _, id := range ids {
		row := s.pool.QueryRow(ctx, `
			SELECT id, tenant_id, name, body, approval_status, provider_sid, synced_at
			FROM chat_templates WHERE tenant_id = $1 AND id = $2 AND approval_status = $3
		`, tenantID, id, models.TemplateApproved)
		t, err := scanTemplate(row)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return models.Template{}, false, err
		}
		return t, true, nil
	}
	return models.Template{}, false, nil
}

// UpsertTemplateApproval mirrors one template's provider review state. The
// status stored here must already be normalized; approval never originates
// locally.
func (s *Store) UpsertTemplateApproval(ctx context.Context, t models.Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_templates (id, tenant_id, name, body, approval_status, provider_sid, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, body = EXCLUDED.body,
		    approval_status = EXCLUDED.approval_status,
		    provider_sid = EXCLUDED.provider_sid, synced_at = NOW()
	`, t.ID, t.TenantID, t.Name, t.Body, t.ApprovalStatus, t.ProviderSID)
	return err
}

// EnsureConversation returns the lead's conversation id, creating the row on
// first contact.
func (s *Store) EnsureConversation(ctx context.Context, tenantID, leadID string) (string, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, tenant_id, lead_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (lead_id) DO UPDATE SET lead_id = EXCLUDED.lead_id
		RETURNING id
	`, id, tenantID, leadID)
	var got string
	if err := row.Scan(&got); err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	return got, nil
}

// LastInboundAt returns the conversation's last inbound message timestamp, or
// nil when the lead has never responded.
func (s *Store) LastInboundAt(ctx context.Context, conversationID string) (*time.Time, error) {
	var ts pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT last_inbound_at FROM conversations WHERE id = $1
	`, conversationID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last inbound: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// HasPriorAction reports whether any outreach attempt exists for the lead.
func (s *Store) HasPriorAction(ctx context.Context, leadID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM outreach_actions WHERE lead_id = $1 LIMIT 1
	`, leadID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query prior actions: %w", err)
	}
	return true, nil
}

// ListActivityEvents fetches the tenant's event log within the date range,
// newest-first. Status and search filters are applied by the aggregator.
func (s *Store) ListActivityEvents(ctx context.Context, tenantID string, from, to *time.Time) ([]models.ActivityEvent, error) {
	q := `
		SELECT id, tenant_id, conversation_id, lead_id, lead_name,
		       event_type, title, detail, channel, occurred_at
		FROM activity_events WHERE tenant_id = $1
	`
	args := []any{tenantID}
	if from != nil {
		args = append(args, *from)
		q += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		q += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	q += " ORDER BY occurred_at DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity events: %w", err)
	}
	defer rows.Close()

	var events []models.ActivityEvent
	for rows.Next() {
		var e models.ActivityEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ConversationID, &e.LeadID, &e.LeadName,
			&e.Type, &e.Title, &e.Detail, &e.Channel, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanTemplate(row pgx.Row) (models.Template, error) {
	var t models.Template
	var sid pgtype.Text
	var synced pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Body, &t.ApprovalStatus, &sid, &synced); err != nil {
		return models.Template{}, err
	}
	t.ProviderSID = textPtr(sid)
	if synced.Valid {
		ts := synced.Time
		t.SyncedAt = &ts
	}
	return t, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
