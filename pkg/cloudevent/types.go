// Package cloudevent provides CloudEvents 1.0 structured-mode events and an
// HTTP sender with optional HMAC signing.
package cloudevent

import (
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents version produced by New.
const SpecVersion = "1.0"

// CloudEvent is a CloudEvents 1.0 event in structured JSON form.
type CloudEvent struct {
	SpecVersion     string    `json:"specversion"`
	Type            string    `json:"type"`
	Source          string    `json:"source"`
	Subject         string    `json:"subject,omitempty"`
	ID              string    `json:"id"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            any       `json:"data,omitempty"`
}

// New creates an event with a random id and the current time.
func New(eventType, source, subject string, data any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
