package services

import (
	"context"
	"fmt"
	"time"

	"purchase-api/internal/models"
	"purchase-api/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// BillingNotifier sends transactional billing emails through Brevo.
// Deliveries run in goroutines; a mail failure never fails a webhook.
type BillingNotifier struct {
	client      *brevo.APIClient
	senderEmail string
	senderName  string
	enabled     bool
}

// NewBillingNotifier creates a notifier. An empty apiKey disables it.
func NewBillingNotifier(apiKey, senderEmail, senderName string) *BillingNotifier {
	bn := &BillingNotifier{
		senderEmail: senderEmail,
		senderName:  senderName,
		enabled:     apiKey != "",
	}
	if bn.enabled {
		cfg := brevo.NewConfiguration()
		cfg.AddDefaultHeader("api-key", apiKey)
		bn.client = brevo.NewAPIClient(cfg)
	}
	return bn
}

// PaymentFailed tells the user a subscription renewal charge failed.
func (bn *BillingNotifier) PaymentFailed(user *models.User) {
	if !bn.enabled || user == nil || user.Email == "" {
		return
	}

	subject := "TableMate Premium: payment problem"
	html := fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<h2 style="color: #333;">Hi %s,</h2>
			<p style="color: #666; font-size: 16px;">We could not charge your payment method for your TableMate Premium renewal. Your access continues until the current period ends.</p>
			<p style="color: #666; font-size: 16px;">Please update your payment details in your App Store or Google Play account settings to keep Premium.</p>
			<p style="color: #999; font-size: 12px; margin-top: 30px;">You are receiving this because billing for your TableMate subscription failed.</p>
		</div>`, displayName(user))
	text := fmt.Sprintf("Hi %s,\n\nWe could not charge your payment method for your TableMate Premium renewal. Please update your payment details in your store account settings to keep Premium.\n", displayName(user))

	go bn.send(user, subject, html, text)
}

// RefundConfirmed tells the user their purchase was refunded and access
// removed.
func (bn *BillingNotifier) RefundConfirmed(user *models.User) {
	if !bn.enabled || user == nil || user.Email == "" {
		return
	}

	subject := "TableMate: your refund was processed"
	html := fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<h2 style="color: #333;">Hi %s,</h2>
			<p style="color: #666; font-size: 16px;">Your refund has been processed by the store and the matching TableMate purchase has been removed from your account.</p>
			<p style="color: #999; font-size: 12px; margin-top: 30px;">If you did not request this refund, contact support@tablemate.app.</p>
		</div>`, displayName(user))
	text := fmt.Sprintf("Hi %s,\n\nYour refund has been processed and the matching TableMate purchase has been removed from your account.\n", displayName(user))

	go bn.send(user, subject, html, text)
}

func (bn *BillingNotifier) send(user *models.User, subject, html, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  bn.senderName,
			Email: bn.senderEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: user.Email, Name: user.DisplayName},
		},
		Subject:     subject,
		HtmlContent: html,
		TextContent: text,
	}

	_, _, err := bn.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	if err != nil {
		logging.Errorf("Failed to send billing email to %s: %v", user.Email, err)
		return
	}
	logging.Infof("Billing email sent to user %d", user.ID)
}

func displayName(user *models.User) string {
	if user.DisplayName != "" {
		return user.DisplayName
	}
	return "there"
}
