package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/util"
)

// Mailer delivers transactional mail through a SendGrid-compatible HTTP
// API. When disabled (local dev) it logs the message instead of sending,
// so recovery flows stay testable without an API key.
type Mailer struct {
	enabled   bool
	apiKey    string
	endpoint  string
	fromEmail string
	fromName  string
	portalURL string
	client    *http.Client
}

func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		enabled:   cfg.Mail.Enabled,
		apiKey:    cfg.Mail.APIKey,
		endpoint:  cfg.Mail.Endpoint,
		fromEmail: cfg.Mail.FromEmail,
		fromName:  cfg.Mail.FromName,
		portalURL: cfg.Mail.PortalURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendResetEmail mails the recovery link and the 6-digit code. Both
// reference the same single-use record.
func (m *Mailer) SendResetEmail(ctx context.Context, email, name, resetToken, code string, ttl time.Duration) error {
	resetURL := fmt.Sprintf("%s/reset-password.html?token=%s", m.portalURL, resetToken)
	minutes := int(ttl.Minutes())

	subject := "Password reset request"
	body := fmt.Sprintf(
		"Hello %s,\n\n"+
			"A password reset was requested for your account.\n\n"+
			"Reset link: %s\n\n"+
			"Or enter this code on the reset page: %s\n\n"+
			"The link and code expire in %d minutes. If you did not request "+
			"this, you can ignore this email.\n",
		name, resetURL, code, minutes)

	return m.send(ctx, email, subject, body)
}

// SendPasswordChangedEmail confirms a completed reset so the owner hears
// about a hijack attempt.
func (m *Mailer) SendPasswordChangedEmail(ctx context.Context, email, name string) error {
	subject := "Your password was changed"
	body := fmt.Sprintf(
		"Hello %s,\n\n"+
			"Your portal password was just changed and all active sessions "+
			"were signed out. If this was not you, contact support "+
			"immediately.\n",
		name)

	return m.send(ctx, email, subject, body)
}

// SendNDAStatusEmail notifies an identity when its access-gate status is
// changed by an administrator.
func (m *Mailer) SendNDAStatusEmail(ctx context.Context, email, name, status string) error {
	subject := "Portal access update"
	body := fmt.Sprintf(
		"Hello %s,\n\n"+
			"Your portal access status has changed to: %s.\n\n"+
			"Sign in at %s for details.\n",
		name, status, m.portalURL)

	return m.send(ctx, email, subject, body)
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	if !m.enabled {
		util.Info("Mail sending disabled, logging instead",
			zap.String("to", to),
			zap.String("subject", subject))
		util.Debug("Mail body", zap.String("body", body))
		return nil
	}

	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{"to": []map[string]string{{"email": to}}},
		},
		"from": map[string]string{
			"email": m.fromEmail,
			"name":  m.fromName,
		},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": body},
		},
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		util.Error("Mail delivery failed",
			zap.String("to", to),
			zap.Error(err))
		return fmt.Errorf("mail delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		util.Error("Mail provider rejected message",
			zap.String("to", to),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("mail provider rejected message: status %d", resp.StatusCode)
	}

	util.Info("Mail sent",
		zap.String("to", to),
		zap.String("subject", subject))

	return nil
}
