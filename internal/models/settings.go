package models

// TenantSettings is the per-tenant outreach configuration snapshot read at
// cycle start. Nil ScoreThreshold means the global default applies.
type TenantSettings struct {
	TenantID        string   `json:"tenant_id"`
	ConsultantName  string   `json:"consultant_name"`
	Enabled         bool     `json:"enabled"`
	ScoreThreshold  *int     `json:"score_threshold,omitempty"`
	ChannelPriority []string `json:"channel_priority"`
	ChatAccountID   *string  `json:"chat_account_id,omitempty"`
	ChatTemplateIDs []string `json:"chat_template_ids"`
	EmailAccountID  *string  `json:"email_account_id,omitempty"`
}

// EmailAccount is a bound SMTP sending identity.
type EmailAccount struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	SMTPHost     string  `json:"smtp_host"`
	SMTPPort     int     `json:"smtp_port"`
	SMTPUser     string  `json:"smtp_user"`
	SMTPPassword string  `json:"-"`
	EmailAddress string  `json:"email_address"`
	DisplayName  *string `json:"display_name,omitempty"`
}
