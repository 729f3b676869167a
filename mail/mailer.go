// Package mail delivers verification codes and account links.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Mailer sends the three kinds of account mail.
type Mailer interface {
	SendCode(ctx context.Context, to, code string) error
	SendVerificationLink(ctx context.Context, to, link string) error
	SendPasswordReset(ctx context.Context, to, link string) error
}

// Message is one rendered mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

func codeMessage(to, code string) Message {
	return Message{
		To:      to,
		Subject: "Your Verification Code",
		Body:    fmt.Sprintf("Your verification code is: %s. It will expire in 5 minutes.", code),
	}
}

// Subjects of link mails.
const (
	SubjectVerifyEmail   = "Verify your email address"
	SubjectResetPassword = "Reset your password"
)

func verificationMessage(to, link string) Message {
	return Message{
		To:      to,
		Subject: SubjectVerifyEmail,
		Body:    "Please verify your email by opening: " + link,
	}
}

func resetMessage(to, link string) Message {
	return Message{
		To:      to,
		Subject: SubjectResetPassword,
		Body:    "Reset your password by opening: " + link,
	}
}

// LogMailer writes mail to a zap logger. Development only: bodies carry secrets.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) log(msg Message) error {
	m.logger.Info("mail",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

func (m *LogMailer) SendCode(_ context.Context, to, code string) error {
	return m.log(codeMessage(to, code))
}

func (m *LogMailer) SendVerificationLink(_ context.Context, to, link string) error {
	return m.log(verificationMessage(to, link))
}

func (m *LogMailer) SendPasswordReset(_ context.Context, to, link string) error {
	return m.log(resetMessage(to, link))
}

// SMTPConfig addresses an SMTP relay with PLAIN auth.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends through an SMTP relay.
type SMTPMailer struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{config: cfg, send: smtp.SendMail}
}

func (m *SMTPMailer) deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	if err := m.send(addr, auth, m.config.From, []string{msg.To}, render(m.config.From, msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

func render(from string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (m *SMTPMailer) SendCode(ctx context.Context, to, code string) error {
	return m.deliver(ctx, codeMessage(to, code))
}

func (m *SMTPMailer) SendVerificationLink(ctx context.Context, to, link string) error {
	return m.deliver(ctx, verificationMessage(to, link))
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	return m.deliver(ctx, resetMessage(to, link))
}

// Outbox keeps sent mail in memory. Used by tests and the demo server.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) add(msg Message) error {
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()
	return nil
}

func (o *Outbox) SendCode(_ context.Context, to, code string) error {
	return o.add(codeMessage(to, code))
}

func (o *Outbox) SendVerificationLink(_ context.Context, to, link string) error {
	return o.add(verificationMessage(to, link))
}

func (o *Outbox) SendPasswordReset(_ context.Context, to, link string) error {
	return o.add(resetMessage(to, link))
}

// Messages returns a copy of everything sent so far.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Last returns the most recent message sent to to.
func (o *Outbox) Last(to string) (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		if strings.EqualFold(o.messages[i].To, to) {
			return o.messages[i], true
		}
	}
	return Message{}, false
}

// LastCode extracts the code from the most recent code mail sent to to.
func (o *Outbox) LastCode(to string) string {
	const marker = "Your verification code is: "
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		msg := o.messages[i]
		if !strings.EqualFold(msg.To, to) || !strings.HasPrefix(msg.Body, marker) {
			continue
		}
		rest := msg.Body[len(marker):]
		if end := strings.IndexByte(rest, '.'); end > 0 {
			return rest[:end]
		}
	}
	return ""
}

// LastLink returns the link of the most recent link mail with subject sent to to.
func (o *Outbox) LastLink(to, subject string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		msg := o.messages[i]
		if !strings.EqualFold(msg.To, to) || msg.Subject != subject {
			continue
		}
		if idx := strings.LastIndex(msg.Body, " "); idx >= 0 {
			return msg.Body[idx+1:]
		}
	}
	return ""
}
