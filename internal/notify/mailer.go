package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// Message is an outgoing plain-text mail.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// Sender delivers mail.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// ErrNotConfigured is returned by a Mailer without host or sender address.
var ErrNotConfigured = errors.New("smtp not configured")

// Mailer sends mail through an SMTP relay.
type Mailer struct {
	cfg      SMTPConfig
	addr     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailer creates a Mailer. Authentication is only used when a username
// is configured.
func NewMailer(cfg SMTPConfig) *Mailer {
	m := &Mailer{
		cfg:      cfg,
		addr:     cfg.Host + ":" + cfg.Port,
		sendMail: smtp.SendMail,
	}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m
}

// IsConfigured reports whether the mailer can send.
func (m *Mailer) IsConfigured() bool {
	return m.cfg.Host != "" && m.cfg.Port != "" && m.cfg.From != ""
}

// Send delivers msg to all To and Cc recipients.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.IsConfigured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rcpt := append(append([]string{}, msg.To...), msg.Cc...)
	if len(rcpt) == 0 {
		return errors.New("message has no recipients")
	}
	return m.sendMail(m.addr, m.auth, m.cfg.From, rcpt, m.format(msg))
}

func (m *Mailer) format(msg Message) []byte {
	from := m.cfg.From
	if m.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.From)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	b.WriteString(msg.Body)
	return b.Bytes()
}
