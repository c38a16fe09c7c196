package channel

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"outreach-orchestrator/internal/models"
)

// AccountLookup resolves the tenant's bound SMTP sending account.
type AccountLookup func(ctx context.Context, tenantID string) (models.EmailAccount, error)

// sendMailFunc matches smtp.SendMail, swapped out in tests.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers synchronously over SMTP. Success or failure is known
// in the same call, so email attempts never pass through the scheduled state.
type EmailSender struct {
	lookup   AccountLookup
	sendMail sendMailFunc
}

// NewEmailSender builds the sender around the tenant account lookup.
func NewEmailSender(lookup AccountLookup) *EmailSender {
	return &EmailSender{lookup: lookup, sendMail: smtp.SendMail}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

// Send resolves the bound account and delivers the message.
func (s *EmailSender) Send(ctx context.Context, lead models.Lead, payload models.TaskPayload) error {
	if payload.To == "" {
		return fmt.Errorf("email payload for lead %s has no recipient", lead.ID)
	}
	account, err := s.lookup(ctx, lead.TenantID)
	if err != nil {
		return fmt.Errorf("resolve smtp account: %w", err)
	}

	from := account.EmailAddress
	if account.DisplayName != nil && *account.DisplayName != "" {
		from = fmt.Sprintf("%q <%s>", *account.DisplayName, account.EmailAddress)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", payload.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", payload.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(payload.Body)

	addr := fmt.Sprintf("%s:%d", account.SMTPHost, account.SMTPPort)
	auth := smtp.PlainAuth("", account.SMTPUser, account.SMTPPassword, account.SMTPHost)
	if err := s.sendMail(addr, auth, account.EmailAddress, []string{payload.To}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", payload.To, err)
	}
	return nil
}
