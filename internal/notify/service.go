// Package notify sends transactional email over SMTP.
package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service sends email. When not configured every send returns an error;
// callers decide whether that is fatal for the operation.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new notify service
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

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-heirloom"

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

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type EstateInviteData struct {
	AppName     string
	InviterName string
	EstateName  string
	Role        string
	InviteURL   string
}

type ContactVerifyData struct {
	AppName     string
	ContactName string
	OwnerName   string
	VerifyURL   string
}

type CheckinReminderData struct {
	AppName    string
	UserName   string
	GraceDays  int
	CheckinURL string
}

type EscalationAlertData struct {
	AppName     string
	ContactName string
	OwnerName   string
}

type DrillNoticeData struct {
	AppName     string
	ContactName string
	OwnerName   string
}

type UnsealNoticeData struct {
	AppName      string
	ExecutorName string
	OwnerName    string
	VaultURL     string
}

type TicketReplyData struct {
	AppName       string
	UserName      string
	TicketSubject string
	Reply         string
	TicketURL     string
}

const appName = "Heirloom"

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	}

	subject := "Verify your Heirloom account"
	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	}

	subject := "Reset your Heirloom password"
	html, err := renderTemplate(passwordResetEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendEstateInviteEmail tells someone they were added to an estate.
func (s *Service) SendEstateInviteEmail(to, inviterName, estateName, role, inviteURL string) error {
	data := EstateInviteData{
		AppName:     appName,
		InviterName: inviterName,
		EstateName:  estateName,
		Role:        role,
		InviteURL:   inviteURL,
	}

	subject := fmt.Sprintf("%s added you to %q on Heirloom", inviterName, estateName)
	html, err := renderTemplate(estateInviteEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render estate invite template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendContactVerifyEmail asks an emergency contact to confirm their address.
func (s *Service) SendContactVerifyEmail(to, contactName, ownerName, verifyURL string) error {
	data := ContactVerifyData{
		AppName:     appName,
		ContactName: contactName,
		OwnerName:   ownerName,
		VerifyURL:   verifyURL,
	}

	subject := fmt.Sprintf("%s listed you as an emergency contact", ownerName)
	html, err := renderTemplate(contactVerifyEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render contact verify template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendCheckinReminderEmail nudges an owner whose check-in deadline has
// passed. The URL carries a short-lived checkin scoped token so one click
// resets the clock without a full sign-in.
func (s *Service) SendCheckinReminderEmail(to, userName string, graceDays int, checkinURL string) error {
	data := CheckinReminderData{
		AppName:    appName,
		UserName:   userName,
		GraceDays:  graceDays,
		CheckinURL: checkinURL,
	}

	subject := "Your Heirloom check-in is overdue"
	html, err := renderTemplate(checkinReminderEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render checkin reminder template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendEscalationAlertEmail asks an emergency contact to check on the owner.
func (s *Service) SendEscalationAlertEmail(to, contactName, ownerName string) error {
	data := EscalationAlertData{
		AppName:     appName,
		ContactName: contactName,
		OwnerName:   ownerName,
	}

	subject := fmt.Sprintf("Please check on %s", ownerName)
	html, err := renderTemplate(escalationAlertEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render escalation alert template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendDrillNoticeEmail sends the test version of the escalation alert.
func (s *Service) SendDrillNoticeEmail(to, contactName, ownerName string) error {
	data := DrillNoticeData{
		AppName:     appName,
		ContactName: contactName,
		OwnerName:   ownerName,
	}

	subject := fmt.Sprintf("Test alert from %s's Heirloom plan", ownerName)
	html, err := renderTemplate(drillNoticeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render drill notice template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendUnsealNoticeEmail tells an executor the vault is open to them.
func (s *Service) SendUnsealNoticeEmail(to, executorName, ownerName, vaultURL string) error {
	data := UnsealNoticeData{
		AppName:      appName,
		ExecutorName: executorName,
		OwnerName:    ownerName,
		VaultURL:     vaultURL,
	}

	subject := fmt.Sprintf("The document vault for %s's estate is now available", ownerName)
	html, err := renderTemplate(unsealNoticeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render unseal notice template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendTicketReplyEmail notifies a ticket opener of a new staff reply.
func (s *Service) SendTicketReplyEmail(to, userName, ticketSubject, reply, ticketURL string) error {
	data := TicketReplyData{
		AppName:       appName,
		UserName:      userName,
		TicketSubject: ticketSubject,
		Reply:         reply,
		TicketURL:     ticketURL,
	}

	subject := fmt.Sprintf("Re: %s", ticketSubject)
	html, err := renderTemplate(ticketReplyEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render ticket reply template: %w", err)
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
