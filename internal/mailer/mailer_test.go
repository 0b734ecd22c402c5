package mailer

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	html, err := Render(Message{
		Subject: "Reset Your Password",
		Name:    "alice",
		Body:    "Click the link below to reset your password",
		Link:    "http://localhost:3000/reset-password/abc",
	})
	require.NoError(t, err)

	assert.Contains(t, html, "Hello alice,")
	assert.Contains(t, html, `href="http://localhost:3000/reset-password/abc"`)
	assert.Contains(t, html, "Get Started")
}

func TestRender_EscapesInput(t *testing.T) {
	html, err := Render(Message{Subject: "s", Name: "<script>", Body: "b"})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "Hello User,", "empty name falls back")
	// No link, no button.
	assert.NotContains(t, html, "<a ")
}

func TestBuildMessage(t *testing.T) {
	raw := string(buildMessage("Chat Relay", "noreply@example.com", "bob@example.com", "Reset", "<p>hi</p>\n"))

	assert.True(t, strings.HasPrefix(raw, "From: Chat Relay <noreply@example.com>\r\n") ||
		strings.HasPrefix(raw, "From: =?utf-8?q?Chat_Relay?= <noreply@example.com>\r\n"))
	assert.Contains(t, raw, "To: bob@example.com\r\n")
	assert.Contains(t, raw, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n<p>hi</p>\r\n"))
}

func TestNew_SelectsImplementation(t *testing.T) {
	_, isLog := New(Config{}, nil).(*LogMailer)
	assert.True(t, isLog)

	s, isSMTP := New(Config{Host: "smtp.example.com"}, nil).(*SMTP)
	require.True(t, isSMTP)
	assert.Equal(t, 587, s.cfg.Port)
}

func TestLogMailer_Send(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, m.Send(context.Background(), Message{To: "a@example.com", Subject: "Reset", Link: "http://x/y"}))
	assert.Contains(t, buf.String(), "to=a@example.com")
	assert.Contains(t, buf.String(), "link=http://x/y")
}

func TestSMTP_DialFailure(t *testing.T) {
	m := NewSMTP(Config{Host: "127.0.0.1", Port: 1, FromEmail: "a@example.com"})
	err := m.Send(context.Background(), Message{To: "b@example.com", Subject: "s"})
	assert.Error(t, err)
}
