// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-paperflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type AssignmentData struct {
	AppName       string
	UserName      string
	DocumentTitle string
	AssignedBy    string
	DocumentURL   string
}

type DeadlineReminderData struct {
	AppName       string
	UserName      string
	DocumentTitle string
	Deadline      string
	DocumentURL   string
}

type SigningRequestData struct {
	AppName       string
	SignerEmail   string
	DocumentTitle string
	SigningURL    string
	ExpiresIn     string
}

// SendEditorAssignedEmail notifies a user that they were assigned as the
// editor of a document.
func (s *Service) SendEditorAssignedEmail(to, userName, documentTitle, assignedBy, documentURL string) error {
	data := AssignmentData{
		AppName:       "Paperflow",
		UserName:      userName,
		DocumentTitle: documentTitle,
		AssignedBy:    assignedBy,
		DocumentURL:   documentURL,
	}

	subject := fmt.Sprintf("You have a document to fill in: %s", documentTitle)
	html, err := renderTemplate(editorAssignedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render editor assigned template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendReviewerAssignedEmail notifies a user that a document awaits their
// review.
func (s *Service) SendReviewerAssignedEmail(to, userName, documentTitle, assignedBy, documentURL string) error {
	data := AssignmentData{
		AppName:       "Paperflow",
		UserName:      userName,
		DocumentTitle: documentTitle,
		AssignedBy:    assignedBy,
		DocumentURL:   documentURL,
	}

	subject := fmt.Sprintf("Review requested: %s", documentTitle)
	html, err := renderTemplate(reviewerAssignedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render reviewer assigned template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendDeadlineReminderEmail warns an editor that a document's deadline is
// close.
func (s *Service) SendDeadlineReminderEmail(to, userName, documentTitle, deadline, documentURL string) error {
	data := DeadlineReminderData{
		AppName:       "Paperflow",
		UserName:      userName,
		DocumentTitle: documentTitle,
		Deadline:      deadline,
		DocumentURL:   documentURL,
	}

	subject := fmt.Sprintf("Deadline approaching: %s", documentTitle)
	html, err := renderTemplate(deadlineReminderEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render deadline reminder template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendSigningRequestEmail sends an external signer a tokenized signing link.
func (s *Service) SendSigningRequestEmail(to, documentTitle, signingURL, expiresIn string) error {
	data := SigningRequestData{
		AppName:       "Paperflow",
		SignerEmail:   to,
		DocumentTitle: documentTitle,
		SigningURL:    signingURL,
		ExpiresIn:     expiresIn,
	}

	subject := fmt.Sprintf("Signature requested: %s", documentTitle)
	html, err := renderTemplate(signingRequestEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render signing request template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const editorAssignedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Document assigned on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>{{.AssignedBy}} assigned you as the editor of <strong>{{.DocumentTitle}}</strong>. Open the document to fill in the required fields.</p>

    <p>
        <a href="{{.DocumentURL}}" class="button">Open Document</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.DocumentURL}}</p>

    <div class="footer">
        <p>You received this email because a document on {{.AppName}} was assigned to you.</p>
    </div>
</body>
</html>`

const reviewerAssignedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Review requested on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>{{.AssignedBy}} requested your review of <strong>{{.DocumentTitle}}</strong>. You can approve the document or send it back with comments.</p>

    <p>
        <a href="{{.DocumentURL}}" class="button">Review Document</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.DocumentURL}}</p>

    <div class="footer">
        <p>You received this email because you were named as a reviewer on {{.AppName}}.</p>
    </div>
</body>
</html>`

const deadlineReminderEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Deadline approaching on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>The document <strong>{{.DocumentTitle}}</strong> is still being edited and its deadline is coming up.</p>

    <div class="warning">
        <strong>Deadline:</strong> {{.Deadline}}
    </div>

    <p>
        <a href="{{.DocumentURL}}" class="button">Finish Document</a>
    </p>

    <div class="footer">
        <p>You received this reminder because you are the editor of this document on {{.AppName}}.</p>
    </div>
</body>
</html>`

const signingRequestEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Signature requested on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Signature requested</h2>

    <p>Your signature is requested on <strong>{{.DocumentTitle}}</strong>. Use the secure link below to view and sign the document.</p>

    <p>
        <a href="{{.SigningURL}}" class="button">Sign Document</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.SigningURL}}</p>

    <div class="warning">
        <strong>Important:</strong> This signing link will expire in {{.ExpiresIn}}.
    </div>

    <div class="footer">
        <p>If you were not expecting this request, you can safely ignore this email.</p>
    </div>
</body>
</html>`
