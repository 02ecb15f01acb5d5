package notification

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stanstork/stratum-notify/internal/config"
	"github.com/stanstork/stratum-notify/internal/models"
)

// ErrMailerUnavailable is returned while the SMTP circuit breaker is open.
var ErrMailerUnavailable = errors.New("smtp sender unavailable")

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender mails notifications through an SMTP relay. After repeated
// failures the breaker opens and sends fail fast until it half-opens again.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	logger   zerolog.Logger
	breaker  *gobreaker.CircuitBreaker[struct{}]
	sendMail sendMailFunc
}

func NewSMTPSender(cfg config.EmailConfig, logger zerolog.Logger) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.SMTPHost)
	from := strings.TrimSpace(cfg.From)
	if host == "" {
		return nil, fmt.Errorf("smtp_host is required for email sender")
	}
	if from == "" {
		return nil, fmt.Errorf("from is required for email sender")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	s := &SMTPSender{
		host:     host,
		port:     port,
		username: strings.TrimSpace(cfg.Username),
		password: cfg.Password,
		from:     from,
		logger:   logger.With().Str("sender", "email").Logger(),
		sendMail: smtp.SendMail,
	}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("smtp breaker state changed")
		},
	})
	return s, nil
}

func (s *SMTPSender) Send(ctx context.Context, notif models.Notification, address string) error {
	address, err := recipient(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	message := []byte(s.headers(notif, address) + renderBody(notif))
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.sendMail(addr, auth, s.from, []string{address}, message)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrMailerUnavailable, err)
	}
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Str("recipient", address).
		Msg("email notification sent")
	return nil
}

func (s *SMTPSender) String() string {
	return "SMTPSender"
}

// recipient reduces address to a bare addr-spec. Anything carrying a line
// break is refused so it can never open a new header.
func recipient(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("recipient address is required")
	}
	if strings.ContainsAny(address, "\r\n") {
		return "", fmt.Errorf("recipient address %q contains a line break", address)
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address %q: %w", address, err)
	}
	return parsed.Address, nil
}

// headerValue folds CR and LF into single spaces.
func headerValue(v string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(v)), " ")
}

func (s *SMTPSender) headers(notif models.Notification, address string) string {
	subject := headerValue(notif.Title)
	if subject == "" {
		subject = fallbackTitle
	}
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n",
		headerValue(s.from), address, mime.QEncoding.Encode("UTF-8", subject))
}

func renderBody(notif models.Notification) string {
	body := strings.Builder{}
	body.WriteString(strings.TrimSpace(notif.Message))
	body.WriteString("\n\n")
	body.WriteString(fmt.Sprintf("Evento: %s\n", notif.EventType))
	body.WriteString(fmt.Sprintf("Prioridad: %s\n", notif.Priority))
	body.WriteString(fmt.Sprintf("Fecha: %s\n", notif.CreatedAt.Format("2006-01-02 15:04:05 MST")))
	return body.String()
}
