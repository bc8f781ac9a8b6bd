package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// SendEmailMaxRetry bounds redelivery of a failed mail.
	SendEmailMaxRetry = 5
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body,omitempty"`
}

// Validate rejects payloads no retry could deliver.
func (p SendEmailPayload) Validate() error {
	if strings.TrimSpace(p.To) == "" {
		return errors.New("recipient missing")
	}
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("subject missing")
	}
	return nil
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("jobs: send email task: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(SendEmailMaxRetry), asynq.Queue(QueueDefault)), nil
}

// Sender delivers one email.
type Sender interface {
	Send(ctx context.Context, msg SendEmailPayload) error
}

// SendEmailHandler processes TaskTypeSendEmail tasks.
type SendEmailHandler struct {
	Sender Sender
	Logger *slog.Logger
}

// Handle delivers the mail. Malformed payloads are not retried.
func (h *SendEmailHandler) Handle(ctx context.Context, t *asynq.Task) error {
	if h == nil || h.Sender == nil {
		return errors.New("send email: sender not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger().Error("decode mail payload", slog.Any("error", err))
		return fmt.Errorf("send email: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		h.logger().Error("invalid mail payload", slog.Any("error", err))
		return fmt.Errorf("send email: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.Sender.Send(ctx, payload); err != nil {
		h.logger().Warn("mail delivery failed", slog.String("to", payload.To), slog.Any("error", err))
		return err
	}
	h.logger().Info("mail delivered", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return nil
}

func (h *SendEmailHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}
