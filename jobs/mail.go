package jobs

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mail drivers selectable by configuration.
const (
	MailDriverLog      = "log"
	MailDriverSendGrid = "sendgrid"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// Sender delivers a plain text mail.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailConfig selects and configures a Sender.
type MailConfig struct {
	Driver   string
	APIKey   string
	From     string
	FromName string
	Logger   *slog.Logger
}

// NewSender builds the Sender named by cfg.Driver.
func NewSender(cfg MailConfig) (Sender, error) {
	switch cfg.Driver {
	case MailDriverSendGrid:
		if cfg.APIKey == "" {
			return nil, errors.New("jobs: sendgrid driver needs an api key")
		}
		return NewSendGridSender(cfg.APIKey, cfg.FromName, cfg.From), nil
	case MailDriverLog, "":
		return LogSender{Logger: cfg.Logger}, nil
	default:
		return nil, fmt.Errorf("jobs: unknown mail driver %q", cfg.Driver)
	}
}

// SendGridSender delivers mail through the SendGrid v3 API.
type SendGridSender struct {
	key  string
	from *sgmail.Email
	api  func(rest.Request) (*rest.Response, error)
}

// NewSendGridSender constructs a SendGridSender.
func NewSendGridSender(key, fromName, fromAddress string) *SendGridSender {
	return &SendGridSender{key: key, from: sgmail.NewEmail(fromName, fromAddress), api: sendgrid.API}
}

// Send implements Sender. A 4xx or 5xx answer is an error so the task retries.
func (s *SendGridSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, sendgridHost)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(to, subject, body))

	res, err := s.api(req)
	if err != nil {
		return fmt.Errorf("jobs: sendgrid: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("jobs: sendgrid: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}

func (s *SendGridSender) prepare(to, subject, body string) *sgmail.SGMailV3 {
	htmlBody := "<p>" + html.EscapeString(body) + "</p>"
	return sgmail.NewSingleEmail(s.from, subject, sgmail.NewEmail("", to), body, htmlBody)
}

// LogSender writes mail to the log instead of delivering it.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(ctx context.Context, to, subject, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body))
	return nil
}
