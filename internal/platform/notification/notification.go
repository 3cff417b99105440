// Package notification renders and delivers patient-facing messages about
// appointments. Delivery is best effort: the Dispatcher queues messages and
// sends them from background workers so callers never wait on SMTP.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Template IDs.
const (
	TemplateBookingConfirmed = "appointment-confirmed"
	TemplateBookingCancelled = "appointment-cancelled"
)

// BookingNotice is everything a confirmation message needs.
type BookingNotice struct {
	Recipient   string
	PatientName string
	DoctorName  string
	Department  string
	Date        string
	Time        string
	Hospital    string
}

func (n BookingNotice) data() map[string]string {
	return map[string]string{
		"patient_name": n.PatientName,
		"doctor_name":  n.DoctorName,
		"department":   n.Department,
		"date":         n.Date,
		"time":         n.Time,
		"hospital":     n.Hospital,
	}
}

// Message is a rendered e-mail ready to send.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Template defines a reusable notification template. Placeholders use the
// {{key}} form.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateBookingConfirmed,
		Subject: "Appointment confirmed with {{doctor_name}} on {{date}}",
		Body: "Dear {{patient_name}},\n\n" +
			"Your appointment has been booked.\n\n" +
			"Doctor: {{doctor_name}}\n" +
			"Department: {{department}}\n" +
			"Hospital: {{hospital}}\n" +
			"Date: {{date}}\n" +
			"Time: {{time}}\n\n" +
			"Please arrive 10 minutes early. To cancel, use the appointments page.\n",
	})
	e.RegisterTemplate(Template{
		ID:      TemplateBookingCancelled,
		Subject: "Appointment on {{date}} cancelled",
		Body: "Dear {{patient_name}},\n\n" +
			"Your appointment with {{doctor_name}} ({{department}}, {{hospital}}) " +
			"on {{date}} at {{time}} has been cancelled.\n",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render looks up a template by ID and replaces {{key}} placeholders. Keys
// missing from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// RenderNotice renders templateID for n.
func (e *TemplateEngine) RenderNotice(templateID string, n BookingNotice) (Message, error) {
	subject, body, err := e.Render(templateID, n.data())
	if err != nil {
		return Message{}, err
	}
	return Message{To: n.Recipient, Subject: subject, Body: body}, nil
}
