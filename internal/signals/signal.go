// Package signals carries content-free "something changed" events from the
// authority to connected sessions. A signal names a topic and a kind; it never
// carries record data, so receivers always refetch.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind names the collection that changed.
type Kind string

const (
	AppointmentUpdated  Kind = "appointment_updated"
	NotificationUpdated Kind = "notification_updated"
	InvoiceUpdated      Kind = "invoice_updated"
)

// Signal is the wire form of a push event.
type Signal struct {
	Kind  Kind      `json:"type"`
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
}

// New stamps a signal for topic.
func New(kind Kind, topic string) Signal {
	return Signal{Kind: kind, Topic: topic, At: time.Now().UTC()}
}

// PatientTopic is the topic a patient session subscribes to.
func PatientTopic(patientID string) string {
	return "patient:" + patientID
}

// ClinicTopic is the topic a clinic session subscribes to.
func ClinicTopic(clinicID string) string {
	return "clinic:" + clinicID
}

// Encode marshals s for a bus or socket.
func Encode(s Signal) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("signals: encode: %w", err)
	}
	return data, nil
}

// Decode parses a signal and rejects empty kinds or topics.
func Decode(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("signals: decode: %w", err)
	}
	if s.Kind == "" || strings.TrimSpace(s.Topic) == "" {
		return Signal{}, fmt.Errorf("signals: decode: missing type or topic")
	}
	return s, nil
}

// Publisher sends signals toward subscribers.
type Publisher interface {
	Publish(ctx context.Context, s Signal) error
}

// Sink receives signals that arrive from a bus.
type Sink interface {
	Deliver(s Signal)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Signal)

func (f SinkFunc) Deliver(s Signal) { f(s) }
