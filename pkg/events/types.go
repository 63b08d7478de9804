package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event
type EventType string

const (
	// Pipeline board events
	EventCardCreated EventType = "pipeline.card.created"
	EventCardMoved   EventType = "pipeline.card.moved"
	EventCardDeleted EventType = "pipeline.card.deleted"

	// Report events
	EventReportQueried EventType = "report.queried"
)

// Event carries a typed payload through the bus
type Event struct {
	ID        uuid.UUID
	Type      EventType
	ActorID   string
	Timestamp time.Time
	Data      map[string]interface{}
}

// NewEvent creates an event with a fresh ID and timestamp
func NewEvent(eventType EventType, actorID string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		ActorID:   actorID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
