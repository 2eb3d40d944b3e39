package notify

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures an SMTPSender for a transactional email relay.
type SMTPConfig struct {
	Host string
	Port int

	// Username defaults to "apikey", the convention of API-keyed relays
	Username string

	// APIKey is used as the SMTP password
	APIKey string

	// From is the sender address; FromName is its display name
	From     string
	FromName string
}

// SMTPSender delivers messages through an SMTP relay using gomail.
type SMTPSender struct {
	dialer   *gomail.Dialer
	from     string
	fromName string
	domain   string
}

// NewSMTPSender creates an SMTPSender
func NewSMTPSender(config SMTPConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(config.Host)
	if host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("email api key is required")
	}
	from := strings.TrimSpace(config.From)
	at := strings.LastIndex(from, "@")
	if at <= 0 || at == len(from)-1 {
		return nil, fmt.Errorf("invalid sender address %q", config.From)
	}

	port := config.Port
	if port == 0 {
		port = 587
	}
	username := config.Username
	if username == "" {
		username = "apikey"
	}

	return &SMTPSender{
		dialer:   gomail.NewDialer(host, port, username, apiKey),
		from:     from,
		fromName: config.FromName,
		domain:   from[at+1:],
	}, nil
}

// Send implements Sender. gomail has no context support, so the dial runs in
// a goroutine and Send returns when ctx is done.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (string, error) {
	m := s.buildMessage(msg)
	messageID := m.GetHeader("Message-ID")[0]

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *SMTPSender) buildMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	if s.fromName != "" {
		m.SetHeader("From", m.FormatAddress(s.from, s.fromName))
	} else {
		m.SetHeader("From", s.from)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", msg.ID, s.domain))

	if msg.TextBody != "" {
		m.SetBody("text/plain", msg.TextBody)
		if msg.HTMLBody != "" {
			m.AddAlternative("text/html", msg.HTMLBody)
		}
	} else {
		m.SetBody("text/html", msg.HTMLBody)
	}
	return m
}
