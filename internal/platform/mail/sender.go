// Package mail sends SMTP mail.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/gomail.v2"
)

// ErrNoRecipients is returned for a message without a To address.
var ErrNoRecipients = errors.New("mail: no recipients")

// Attachment is a file carried by a message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// Message is an outgoing email.
type Message struct {
	To          []string     `json:"to"`
	CC          []string     `json:"cc,omitempty"`
	Subject     string       `json:"subject"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Dialer delivers composed messages.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Sender composes messages with gomail and hands them to a Dialer.
type Sender struct {
	dialer Dialer
	from   string
	logger *slog.Logger
}

// NewSender dials cfg.Host for every send.
func NewSender(cfg Config, logger *slog.Logger) *Sender {
	return NewSenderWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, logger)
}

// NewSenderWithDialer uses dialer instead of SMTP.
func NewSenderWithDialer(dialer Dialer, from string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{dialer: dialer, from: from, logger: logger.With(slog.String("component", "mail"))}
}

// Send delivers msg. The context is checked before dialing; gomail itself
// does not take one.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(Compose(s.from, msg)); err != nil {
		return fmt.Errorf("mail: send %q: %w", msg.Subject, err)
	}
	s.logger.Info("mail sent", slog.Any("to", msg.To), slog.String("subject", msg.Subject), slog.Int("attachments", len(msg.Attachments)))
	return nil
}

// Compose builds the gomail message for msg.
func Compose(from string, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To...)
	if len(msg.CC) > 0 {
		m.SetHeader("Cc", msg.CC...)
	}
	m.SetHeader("Subject", msg.Subject)
	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	for _, a := range msg.Attachments {
		data := a.Data
		settings := []gomail.FileSetting{gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Attach(a.Name, settings...)
	}
	return m
}
