// Package mailer hands portal emails to the email-send collaborator.
// The production collaborator consumes jobs from a durable RabbitMQ queue.
package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue is the durable queue portal email jobs are published to.
const Queue = "vault.portal.email"

// Mailer delivers portal invitation and reminder emails.
type Mailer interface {
	Send(ctx context.Context, email model.PortalEmail) error
}

// AMQP publishes each email as a persistent JSON message.
type AMQP struct {
	url string
}

// NewAMQP returns a Mailer that publishes to the broker at url.
func NewAMQP(url string) *AMQP {
	return &AMQP{url: url}
}

// Send dials the broker, declares the queue and publishes the email job.
func (a *AMQP) Send(ctx context.Context, email model.PortalEmail) error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		Queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}

	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}

	return ch.PublishWithContext(ctx,
		"",    // default exchange
		Queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
}

// Log writes emails to the structured log. Used when no broker is configured.
type Log struct{}

func (Log) Send(ctx context.Context, email model.PortalEmail) error {
	slog.InfoContext(ctx, "portal email",
		"client_email", email.ClientEmail,
		"org_name", email.OrgName,
		"items", len(email.Items),
		"portal_url", email.PortalURL,
		"reminder", email.IsReminder)
	return nil
}

// New returns an AMQP mailer for url, or a Log mailer when url is empty.
func New(url string) Mailer {
	if url == "" {
		return Log{}
	}
	return NewAMQP(url)
}

// Outbox collects emails in memory for tests.
type Outbox struct {
	mu   sync.Mutex
	sent []model.PortalEmail
	Err  error // Returned by Send when set
}

func (o *Outbox) Send(ctx context.Context, email model.PortalEmail) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.sent = append(o.sent, email)
	return nil
}

// Sent returns a copy of the delivered emails.
func (o *Outbox) Sent() []model.PortalEmail {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.PortalEmail(nil), o.sent...)
}
