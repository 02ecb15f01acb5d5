package notification

import (
	"context"
	"errors"
	"mime"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-notify/internal/config"
	"github.com/stanstork/stratum-notify/internal/models"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestSender(t *testing.T, cfg config.EmailConfig, fn sendMailFunc) *SMTPSender {
	t.Helper()
	s, err := NewSMTPSender(cfg, zerolog.Nop())
	require.NoError(t, err)
	s.sendMail = fn
	return s
}

func TestNewSMTPSender_Validation(t *testing.T) {
	_, err := NewSMTPSender(config.EmailConfig{From: "a@b.c"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewSMTPSender(config.EmailConfig{SMTPHost: "smtp.example.com"}, zerolog.Nop())
	assert.Error(t, err)

	s, err := NewSMTPSender(config.EmailConfig{SMTPHost: "smtp.example.com", From: "a@b.c"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 587, s.port)
	assert.Equal(t, "SMTPSender", senderName(s))
}

func TestSMTPSender_Send(t *testing.T) {
	var got capturedMail
	s := newTestSender(t, config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 2525, From: "noreply@example.com", Username: "user", Password: "pw"},
		func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			got = capturedMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)}
			return nil
		})

	n := models.Notification{
		ID:        "n-1",
		Title:     "Pago confirmado",
		Message:   "Recibimos tu pago",
		EventType: models.EventPaymentConfirmed,
		Priority:  models.PriorityNormal,
		CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Send(context.Background(), n, " ana@example.com "))

	assert.Equal(t, "smtp.example.com:2525", got.addr)
	assert.NotNil(t, got.auth)
	assert.Equal(t, "noreply@example.com", got.from)
	assert.Equal(t, []string{"ana@example.com"}, got.to)
	assert.Contains(t, got.msg, "Subject: Pago confirmado\r\n")
	assert.Contains(t, got.msg, "To: ana@example.com\r\n")
	assert.True(t, strings.Contains(got.msg, "\r\n\r\nRecibimos tu pago\n"))
	assert.Contains(t, got.msg, "Evento: PAYMENT_CONFIRMED")
}

func TestSMTPSender_SendRejects(t *testing.T) {
	calls := 0
	s := newTestSender(t, config.EmailConfig{SMTPHost: "smtp.example.com", From: "a@b.c"},
		func(string, smtp.Auth, string, []string, []byte) error {
			calls++
			return nil
		})

	assert.Error(t, s.Send(context.Background(), models.Notification{}, "  "))
	assert.Error(t, s.Send(context.Background(), models.Notification{}, "not-an-address"))
	assert.Error(t, s.Send(context.Background(), models.Notification{}, "ana@example.com\r\nBcc: mallory@example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, models.Notification{}, "ana@example.com"), context.Canceled)
	assert.Zero(t, calls)
}

func TestSMTPSender_HeadersStayOnOneLine(t *testing.T) {
	var msg string
	s := newTestSender(t, config.EmailConfig{SMTPHost: "smtp.example.com", From: "noreply@example.com"},
		func(_ string, _ smtp.Auth, _ string, _ []string, m []byte) error {
			msg = string(m)
			return nil
		})

	n := models.Notification{ID: "n-1", Title: "Hola\r\nBcc: mallory@example.com", Message: "x"}
	require.NoError(t, s.Send(context.Background(), n, "Ana <ana@example.com>"))

	head := msg[:strings.Index(msg, "\r\n\r\n")]
	assert.NotContains(t, head, "\r\nBcc:")
	assert.NotContains(t, head, "\n\r")
	assert.Contains(t, head, "Subject: Hola Bcc: mallory@example.com")
	assert.Contains(t, head, "To: ana@example.com")
}

func TestSMTPSender_EncodesNonASCIISubject(t *testing.T) {
	var msg string
	s := newTestSender(t, config.EmailConfig{SMTPHost: "smtp.example.com", From: "noreply@example.com"},
		func(_ string, _ smtp.Auth, _ string, _ []string, m []byte) error {
			msg = string(m)
			return nil
		})

	require.NoError(t, s.Send(context.Background(), models.Notification{Title: "Recuperación de contraseña"}, "ana@example.com"))

	var subject string
	for _, line := range strings.Split(msg, "\r\n") {
		if strings.HasPrefix(line, "Subject: ") {
			subject = strings.TrimPrefix(line, "Subject: ")
		}
	}
	assert.True(t, strings.HasPrefix(subject, "=?UTF-8?q?"), subject)
	decoded, err := new(mime.WordDecoder).DecodeHeader(subject)
	require.NoError(t, err)
	assert.Equal(t, "Recuperación de contraseña", decoded)
}

func TestSMTPSender_BreakerOpens(t *testing.T) {
	relayErr := errors.New("relay refused")
	calls := 0
	s := newTestSender(t, config.EmailConfig{SMTPHost: "smtp.example.com", From: "a@b.c"},
		func(string, smtp.Auth, string, []string, []byte) error {
			calls++
			return relayErr
		})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, s.Send(context.Background(), models.Notification{}, "ana@example.com"), relayErr)
	}
	err := s.Send(context.Background(), models.Notification{}, "ana@example.com")
	assert.ErrorIs(t, err, ErrMailerUnavailable)
	assert.Equal(t, 5, calls)
}
