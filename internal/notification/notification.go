// Package notification renders and sends NotificationOutbox entries
// (component H). Transport failures are classified transient/permanent
// per spec §6.4 so the scheduler knows whether to back off or fail fast.
package notification

import (
	"context"
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// RenderedMessage is the output of a template render, ready for Sender.
type RenderedMessage struct {
	MessageID string // deterministic, keyed by notification_id (spec §4.4 idempotence note)
	To        []string
	Subject   string
	Body      string
}

// SendOutcome classifies a Sender.Send result (spec §6.4).
type SendOutcome int

const (
	SendSuccess SendOutcome = iota
	SendTransientError
	SendPermanentError
)

// Sender is the notification transport contract (spec §6.4).
type Sender interface {
	Send(ctx context.Context, msg RenderedMessage) (SendOutcome, error)
}

// Renderer turns a template key + payload into a RenderedMessage.
type Renderer interface {
	Render(ctx context.Context, entry *entity.NotificationOutbox) (RenderedMessage, error)
}

// TemplateFunc renders one template key. There is no fallback template: an
// entry whose key has no registered TemplateFunc fails to render.
type TemplateFunc func(entry *entity.NotificationOutbox) (subject, body string, err error)

// TemplateRenderer dispatches by TemplateKey to a registered TemplateFunc,
// the same registry-of-funcs shape as the teacher's workflow registry
// (internal/engine/workflow/registry.go) but keyed on template name
// instead of workflow type.
type TemplateRenderer struct {
	templates map[string]TemplateFunc
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{templates: make(map[string]TemplateFunc)}
}

func (r *TemplateRenderer) Register(templateKey string, fn TemplateFunc) {
	r.templates[templateKey] = fn
}

func (r *TemplateRenderer) Render(_ context.Context, entry *entity.NotificationOutbox) (RenderedMessage, error) {
	fn, ok := r.templates[entry.TemplateKey]
	if !ok {
		return RenderedMessage{}, fmt.Errorf("notification: no template registered for key %q", entry.TemplateKey)
	}
	subject, body, err := fn(entry)
	if err != nil {
		return RenderedMessage{}, err
	}
	return RenderedMessage{
		MessageID: entry.NotificationID,
		To:        []string(entry.Recipients),
		Subject:   subject,
		Body:      body,
	}, nil
}

// DefaultTemplates registers the templates the scheduler and ticketservice
// enqueue by name (spec §4.5, §9's SLA reminder/escalation keys).
func DefaultTemplates() *TemplateRenderer {
	r := NewTemplateRenderer()
	r.Register("SLA_REMINDER", func(entry *entity.NotificationOutbox) (string, string, error) {
		stepName, _ := entry.Payload["step_name"].(string)
		return fmt.Sprintf("Reminder: %s is due soon", stepName),
			fmt.Sprintf("Ticket %s step %q is approaching its due date.", entry.TicketID, stepName), nil
	})
	r.Register("SLA_ESCALATION", func(entry *entity.NotificationOutbox) (string, string, error) {
		stepName, _ := entry.Payload["step_name"].(string)
		return fmt.Sprintf("Escalation: %s is overdue", stepName),
			fmt.Sprintf("Ticket %s step %q is overdue and requires attention.", entry.TicketID, stepName), nil
	})
	r.Register("STEP_ACTIVATED", func(entry *entity.NotificationOutbox) (string, string, error) {
		stepName, _ := entry.Payload["step_name"].(string)
		return fmt.Sprintf("Action required: %s", stepName),
			fmt.Sprintf("Ticket %s requires your attention on step %q.", entry.TicketID, stepName), nil
	})
	return r
}
