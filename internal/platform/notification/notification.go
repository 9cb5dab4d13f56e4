// Package notification delivers consent and share events to users. Messages
// are rendered from templates and published through a Notifier backend.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

// Scope names a group of users a broadcast is addressed to.
type Scope string

const (
	ScopeAdmins Scope = "admins"
)

// Target addresses a message to exactly one user or to one broadcast scope.
type Target struct {
	UserID uuid.UUID `json:"user_id,omitempty"`
	Scope  Scope     `json:"scope,omitempty"`
}

func Recipient(id uuid.UUID) Target { return Target{UserID: id} }

func Broadcast(scope Scope) Target { return Target{Scope: scope} }

// Valid reports whether the target names a user or a scope, but not both.
func (t Target) Valid() bool {
	return (t.UserID != uuid.Nil) != (t.Scope != "")
}

func (t Target) String() string {
	if t.Scope != "" {
		return "broadcast:" + string(t.Scope)
	}
	return "user:" + t.UserID.String()
}

var ErrInvalidTarget = errors.New("notification target must name a user or a broadcast scope")

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Event identifies what happened. It doubles as the template ID.
type Event string

const (
	EventConsentRequested Event = "consent-requested"
	EventConsentGranted   Event = "consent-granted"
	EventConsentDenied    Event = "consent-denied"
	EventConsentRevoked   Event = "consent-revoked"
	EventShareGranted     Event = "share-granted"
	EventShareRevoked     Event = "share-revoked"
)

// Message is one outbound notification.
type Message struct {
	ID        string            `json:"id"`
	Target    Target            `json:"target"`
	Event     Event             `json:"event"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier delivers messages. Callers treat delivery as best effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID      Event  `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders messages from {{key}} templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Event]Template
}

// NewTemplateEngine creates an engine with the built-in templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Event]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:      EventConsentRequested,
		Subject: "Consent requested",
		Body:    "Doctor {{doctor_id}} requested {{consent_type}} consent. Reference {{consent_id}}.",
	},
	{
		ID:      EventConsentGranted,
		Subject: "Consent granted",
		Body:    "Patient {{patient_id}} granted {{consent_type}} consent until {{expiry_date}}. Reference {{consent_id}}.",
	},
	{
		ID:      EventConsentDenied,
		Subject: "Consent denied",
		Body:    "Patient {{patient_id}} denied the {{consent_type}} consent request {{consent_id}}.",
	},
	{
		ID:      EventConsentRevoked,
		Subject: "Consent revoked",
		Body:    "{{consent_type}} consent {{consent_id}} for patient {{patient_id}} was revoked.",
	},
	{
		ID:      EventShareGranted,
		Subject: "A medical record was shared with you",
		Body:    "Record {{record_id}} was shared with you until {{expiry_date}}.",
	},
	{
		ID:      EventShareRevoked,
		Subject: "Record access withdrawn",
		Body:    "Your access to record {{record_id}} was withdrawn.",
	},
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render performs {{key}} replacement. Keys missing from data are left as-is.
func (e *TemplateEngine) Render(id Event, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Build renders the template for event and addresses the result to target.
func (e *TemplateEngine) Build(target Target, event Event, data map[string]string) (Message, error) {
	if !target.Valid() {
		return Message{}, ErrInvalidTarget
	}
	subject, body, err := e.Render(event, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.New().String(),
		Target:    target,
		Event:     event,
		Subject:   subject,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// Mock Notifier (test double)
// ---------------------------------------------------------------------------

// MockNotifier records messages and optionally fails.
type MockNotifier struct {
	mu         sync.Mutex
	calls      []Message
	ShouldFail bool
	FailError  string
}

func (m *MockNotifier) Notify(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msg)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of the recorded messages.
func (m *MockNotifier) Calls() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.calls))
	copy(out, m.calls)
	return out
}
