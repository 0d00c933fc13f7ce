package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/jitension/portfolio-tracker/internal/domain/entities"
	"github.com/jitension/portfolio-tracker/internal/infrastructure/config"
	"github.com/jitension/portfolio-tracker/pkg/logger"
	"github.com/jitension/portfolio-tracker/pkg/sanitize"
)

const sendTimeout = 30 * time.Second

// AlertMailer delivers operational alerts to the configured operator
// inbox via SendGrid. Without an API key or recipient it runs in mock
// mode and only logs, so local and test environments need no SendGrid
// account.
type AlertMailer struct {
	logger   *logger.Logger
	config   config.AlertsConfig
	client   *sendgrid.Client
	mockMode bool
}

// NewAlertMailer creates an alert mailer from the alerts configuration.
func NewAlertMailer(cfg config.AlertsConfig, log *logger.Logger) *AlertMailer {
	mockMode := cfg.SendgridAPIKey == "" || cfg.ToEmail == ""

	var client *sendgrid.Client
	if !mockMode {
		client = sendgrid.NewSendClient(cfg.SendgridAPIKey)
	}

	return &AlertMailer{
		logger:   log,
		config:   cfg,
		client:   client,
		mockMode: mockMode,
	}
}

// SyncFailureAlert reports an account whose scheduled sync exhausted its
// retries.
func (m *AlertMailer) SyncFailureAlert(ctx context.Context, account *entities.LinkedAccount, cause error) error {
	subject, htmlContent, textContent := syncFailureContent(account, cause)
	return m.send(ctx, subject, htmlContent, textContent)
}

func syncFailureContent(account *entities.LinkedAccount, cause error) (subject, htmlContent, textContent string) {
	// Email leaves our infrastructure; never put the full account number
	// in it, and escape broker error text before it lands in rendered HTML.
	maskedNumber := sanitize.MaskAccountNumber(account.AccountNumber)
	subject = fmt.Sprintf("Sync failed for account %s", maskedNumber)
	errText := sanitize.String(cause.Error())

	htmlContent = fmt.Sprintf(`
	<!DOCTYPE html>
	<html>
	<head><title>Sync Failure</title></head>
	<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
		<div style="background-color: #f8d7da; padding: 30px; border-radius: 8px; border: 1px solid #f5c6cb;">
			<h1 style="color: #721c24; margin-bottom: 20px;">Scheduled Sync Failed</h1>
			<p style="color: #721c24; font-size: 16px; line-height: 1.5;">
				The scheduled sync for brokerage account <strong>%s</strong> failed after all retries.
			</p>
			<ul style="color: #721c24; line-height: 1.8;">
				<li>Account ID: %s</li>
				<li>User ID: %s</li>
				<li>Error: %s</li>
			</ul>
		</div>
	</body>
	</html>
	`, maskedNumber, account.ID, account.UserID, errText)

	textContent = fmt.Sprintf(`Scheduled Sync Failed

The scheduled sync for brokerage account %s failed after all retries.

Account ID: %s
User ID: %s
Error: %s
`, maskedNumber, account.ID, account.UserID, errText)

	return subject, htmlContent, textContent
}

// RelinkRequiredAlert reports an account whose stored credentials can no
// longer be decrypted. Syncs for it will keep failing until the user
// relinks, so this one warrants human attention.
func (m *AlertMailer) RelinkRequiredAlert(ctx context.Context, account *entities.LinkedAccount) error {
	subject, htmlContent, textContent := relinkRequiredContent(account)
	return m.send(ctx, subject, htmlContent, textContent)
}

func relinkRequiredContent(account *entities.LinkedAccount) (subject, htmlContent, textContent string) {
	maskedNumber := sanitize.MaskAccountNumber(account.AccountNumber)
	subject = fmt.Sprintf("Account %s requires relinking", maskedNumber)

	htmlContent = fmt.Sprintf(`
	<!DOCTYPE html>
	<html>
	<head><title>Relink Required</title></head>
	<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
		<div style="background-color: #fff3cd; padding: 30px; border-radius: 8px; border: 1px solid #ffeaa7;">
			<h1 style="color: #856404; margin-bottom: 20px;">Account Requires Relinking</h1>
			<p style="color: #856404; font-size: 16px; line-height: 1.5;">
				Stored credentials for brokerage account <strong>%s</strong> could not be decrypted.
				Scheduled syncs are suspended for it until the user links the account again.
			</p>
			<ul style="color: #856404; line-height: 1.8;">
				<li>Account ID: %s</li>
				<li>User ID: %s</li>
			</ul>
		</div>
	</body>
	</html>
	`, maskedNumber, account.ID, account.UserID)

	textContent = fmt.Sprintf(`Account Requires Relinking

Stored credentials for brokerage account %s could not be decrypted.
Scheduled syncs are suspended for it until the user links the account again.

Account ID: %s
User ID: %s
`, maskedNumber, account.ID, account.UserID)

	return subject, htmlContent, textContent
}

// send delivers one email via SendGrid, or logs it in mock mode.
func (m *AlertMailer) send(ctx context.Context, subject, htmlContent, textContent string) error {
	if m.mockMode {
		m.logger.Info("Alert email sent (MOCK)",
			"to", m.config.ToEmail,
			"subject", subject)
		return nil
	}

	from := mail.NewEmail(m.config.FromName, m.config.FromEmail)
	to := mail.NewEmail("", m.config.ToEmail)
	message := mail.NewSingleEmail(from, subject, to, textContent, htmlContent)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	response, err := m.client.SendWithContext(ctxWithTimeout, message)
	if err != nil {
		m.logger.Error("Failed to send alert email",
			"subject", subject,
			"error", err)
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	if response.StatusCode >= 400 {
		m.logger.Error("Alert email service returned error",
			"subject", subject,
			"status_code", response.StatusCode,
			"response_body", response.Body)
		return fmt.Errorf("alert email error: status %d, body: %s", response.StatusCode, response.Body)
	}

	m.logger.Info("Alert email sent",
		"to", m.config.ToEmail,
		"subject", subject,
		"status_code", response.StatusCode)

	return nil
}
