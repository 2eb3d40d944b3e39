package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSMTPSender_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config SMTPConfig
	}{
		{"missing host", SMTPConfig{APIKey: "k", From: "no-reply@alliedcare.example"}},
		{"missing api key", SMTPConfig{Host: "smtp.example", From: "no-reply@alliedcare.example"}},
		{"invalid from", SMTPConfig{Host: "smtp.example", APIKey: "k", From: "no-reply"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSMTPSender(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestSMTPSender_BuildMessage(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{
		Host:     "smtp.example",
		APIKey:   "secret",
		From:     "no-reply@alliedcare.example",
		FromName: "Allied Care",
	})
	require.NoError(t, err)
	assert.Equal(t, 587, s.dialer.Port)
	assert.Equal(t, "apikey", s.dialer.Username)
	assert.Equal(t, "secret", s.dialer.Password)

	m := s.buildMessage(&Message{ID: "01J0000000000000000000000", To: "u1@example.com", Subject: "Hi", TextBody: "t", HTMLBody: "<p>h</p>"})
	assert.Equal(t, []string{"u1@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Hi"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"<01J0000000000000000000000@alliedcare.example>"}, m.GetHeader("Message-ID"))
	assert.Contains(t, m.GetHeader("From")[0], "no-reply@alliedcare.example")
}

func TestSMTPSender_SendUnreachable(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, APIKey: "k", From: "no-reply@alliedcare.example"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Send(ctx, &Message{ID: "x", To: "u1@example.com", Subject: "s", TextBody: "b"})
	assert.Error(t, err)
}
