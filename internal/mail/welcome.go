// Package mail renders transactional emails and hands them to the job queue.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/skyrem/backoffice/jobs"
	"github.com/skyrem/backoffice/web"
)

// Welcome is the data rendered into the welcome email.
type Welcome struct {
	AppName  string
	Name     string
	Email    string
	Password string
	LoginURL string
}

// Composer renders email templates embedded in the binary.
type Composer struct {
	welcome  *template.Template
	appName  string
	loginURL string
}

// NewComposer parses the email templates.
func NewComposer(appName, appURL string) (*Composer, error) {
	tpl, err := template.ParseFS(web.Templates, "templates/emails/welcome.html")
	if err != nil {
		return nil, fmt.Errorf("mail: parse templates: %w", err)
	}
	return &Composer{
		welcome:  tpl,
		appName:  appName,
		loginURL: strings.TrimRight(appURL, "/") + "/auth/login",
	}, nil
}

// Welcome renders the welcome message for a new account.
func (c *Composer) Welcome(name, email, password string) (jobs.SendEmailPayload, error) {
	data := Welcome{AppName: c.appName, Name: name, Email: email, Password: password, LoginURL: c.loginURL}
	var body bytes.Buffer
	if err := c.welcome.ExecuteTemplate(&body, "welcome.html", data); err != nil {
		return jobs.SendEmailPayload{}, fmt.Errorf("mail: render welcome: %w", err)
	}
	return jobs.SendEmailPayload{
		To:       email,
		Subject:  "Welcome to " + c.appName,
		HTMLBody: body.String(),
		TextBody: fmt.Sprintf("Hello %s,\n\nAn account was created for you on %s.\n\nEmail: %s\nPassword: %s\n\nSign in at %s and change your password.\n",
			name, c.appName, email, password, c.loginURL),
	}, nil
}

// Enqueuer puts a mail on the queue.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// Dispatcher composes welcome mails and enqueues them for the worker.
type Dispatcher struct {
	composer *Composer
	queue    Enqueuer
	logger   *slog.Logger
}

// NewDispatcher wires a composer to a queue.
func NewDispatcher(composer *Composer, queue Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{composer: composer, queue: queue, logger: logger}
}

// SendWelcome renders the welcome mail and enqueues it.
func (d *Dispatcher) SendWelcome(ctx context.Context, name, email, password string) error {
	payload, err := d.composer.Welcome(name, email, password)
	if err != nil {
		return err
	}
	info, err := d.queue.EnqueueSendEmail(ctx, payload)
	if err != nil {
		return fmt.Errorf("mail: enqueue welcome: %w", err)
	}
	if info != nil {
		d.logger.Info("welcome mail queued", slog.String("to", email), slog.String("task_id", info.ID))
	}
	return nil
}
