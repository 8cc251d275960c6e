package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"os"
	"strings"
	"time"
)

// Template is one named email layout. Subject and body substitute
// $variable (or ${variable}) references from the event.
type Template struct {
	Subject string
	Body    string
}

// DefaultTemplate is used when a kanban names no template of its own.
var DefaultTemplate = Template{
	Subject: "[$kanban_name] $event_type: process $process_id",
	Body: "Process $process_id on $kanban_name is now in state $current_state.\n" +
		"Event: $event_type\nUpdated: $updated_at\n",
}

// Templates is the startup-registered template registry. Registration
// happens once during boot; afterwards it is read without locking.
type Templates map[string]Template

// Resolve returns the named template, falling back to the default.
func (t Templates) Resolve(name string) Template {
	if tpl, ok := t[name]; ok {
		return tpl
	}
	return DefaultTemplate
}

// Variables flattens one event into the substitution map: the standard
// keys plus one field_<name> entry per process field value.
func Variables(e *Event) map[string]string {
	vars := map[string]string{
		"event_type": e.Type,
	}
	if e.Kanban != nil {
		vars["kanban_name"] = e.Kanban.Name
	}
	if e.Process != nil {
		vars["process_id"] = e.Process.ProcessID
		vars["current_state"] = e.Process.CurrentState
		vars["created_at"] = e.Process.CreatedAt.UTC().Format(time.RFC3339)
		vars["updated_at"] = e.Process.UpdatedAt.UTC().Format(time.RFC3339)
		for name, value := range e.Process.FieldValues {
			vars["field_"+name] = fmt.Sprintf("%v", value)
		}
	}
	return vars
}

// Substitute expands $variable references against the map; unknown
// variables expand to the empty string.
func Substitute(s string, vars map[string]string) string {
	return os.Expand(s, func(key string) string { return vars[key] })
}

// Mailer performs the actual SMTP hand-off, injected so tests never open
// sockets.
type Mailer interface {
	Mail(ctx context.Context, to []string, subject, body string) error
}

// SMTPConfig is the environment-driven SMTP setup.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	UseTLS   bool
}

// SMTPConfigFromEnv reads the SMTP_* variables.
func SMTPConfigFromEnv() SMTPConfig {
	return SMTPConfig{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     os.Getenv("SMTP_PORT"),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM_EMAIL"),
		UseTLS:   strings.EqualFold(os.Getenv("SMTP_USE_TLS"), "true"),
	}
}

// SMTPMailer delivers through net/smtp.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer builds a mailer from config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	return &SMTPMailer{cfg: cfg}
}

// Mail implements Mailer.
func (m *SMTPMailer) Mail(_ context.Context, to []string, subject, body string) error {
	if m.cfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	addr := m.cfg.Host + ":" + m.cfg.Port
	msg := buildMessage(m.cfg.From, to, subject, body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if !m.cfg.UseTLS {
		return smtp.SendMail(addr, auth, m.cfg.From, to, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to open tls connection: %w", err)
	}
	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// EmailSender renders the kanban's template and hands it to the mailer.
type EmailSender struct {
	mailer    Mailer
	templates Templates
}

// NewEmailSender builds the email channel.
func NewEmailSender(mailer Mailer, templates Templates) *EmailSender {
	if templates == nil {
		templates = Templates{}
	}
	return &EmailSender{mailer: mailer, templates: templates}
}

// Channel implements Sender.
func (s *EmailSender) Channel() string { return "email" }

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, e *Event) error {
	if e.Kanban == nil || e.Kanban.Notifications == nil || e.Kanban.Notifications.Email == nil {
		return fmt.Errorf("kanban has no email configuration")
	}
	cfg := e.Kanban.Notifications.Email
	if len(cfg.Recipients) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	tpl := s.templates.Resolve(cfg.Template)
	vars := Variables(e)
	subject := Substitute(tpl.Subject, vars)
	body := Substitute(tpl.Body, vars)
	if err := s.mailer.Mail(ctx, cfg.Recipients, subject, body); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
