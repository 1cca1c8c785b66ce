package utils

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Email is one outbound message handed to a Mailer.
type Email struct {
	From           string
	FromName       string
	To             string
	Subject        string
	HTML           string
	Text           string
	ReplyTo        string
	UnsubscribeURL string
}

// Mailer sends one email and returns the provider-assigned message id.
type Mailer interface {
	Send(email Email) (string, error)
}

// ResendMailer sends through the Resend API.
type ResendMailer struct {
	client *resend.Client
	logger *logrus.Entry
}

func NewResendMailer(apiKey string, logger *logrus.Entry) *ResendMailer {
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		logger: logger,
	}
}

func (m *ResendMailer) Send(email Email) (string, error) {
	headers := map[string]string{
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
	if email.UnsubscribeURL != "" {
		headers["List-Unsubscribe"] = "<" + email.UnsubscribeURL + ">"
	}

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", email.FromName, email.From),
		To:      []string{email.To},
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
		Headers: headers,
	}
	if email.ReplyTo != "" {
		params.ReplyTo = email.ReplyTo
	}

	sent, err := m.client.Emails.Send(params)
	if err != nil {
		return "", fmt.Errorf("resend send failed: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"to":       email.To,
		"email_id": sent.Id,
	}).Debug("email accepted by provider")

	return sent.Id, nil
}

// SMTPMailer is the fallback transport for setups without a provider
// API key. SMTP assigns no tracking id, so one is generated locally.
type SMTPMailer struct {
	dialer *gomail.Dialer
	logger *logrus.Entry
}

func NewSMTPMailer(host string, port int, username, password string, logger *logrus.Entry) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, username, password),
		logger: logger,
	}
}

func (m *SMTPMailer) Send(email Email) (string, error) {
	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", email.FromName, email.From))
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	if email.ReplyTo != "" {
		msg.SetHeader("Reply-To", email.ReplyTo)
	}
	if email.UnsubscribeURL != "" {
		msg.SetHeader("List-Unsubscribe", "<"+email.UnsubscribeURL+">")
		msg.SetHeader("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}
	msg.SetBody("text/plain", email.Text)
	msg.AddAlternative("text/html", email.HTML)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return "", fmt.Errorf("smtp send failed: %w", err)
	}

	emailID := uuid.New().String()
	m.logger.WithFields(logrus.Fields{
		"to":       email.To,
		"email_id": emailID,
	}).Debug("email sent via smtp")

	return emailID, nil
}
