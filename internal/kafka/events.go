package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/WiLGYSeF/stalk-sub000/internal/domain"
)

// DefaultEventsTopic carries every persisted job and job task state change.
const DefaultEventsTopic = "archive.state"

const eventTypeStateChange = "state_change"

// StateEvent is the wire form of a domain.StateChange.
type StateEvent struct {
	EventID  string `json:"event_id"`
	Instance string `json:"instance,omitempty"`
	domain.StateChange
}

// EventPublisher publishes state changes to a topic, keyed by job id.
type EventPublisher struct {
	producer Producer
	topic    string
	instance string
}

func NewEventPublisher(producer Producer, topic, instance string) *EventPublisher {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &EventPublisher{producer: producer, topic: topic, instance: instance}
}

func (p *EventPublisher) PublishStateChanges(ctx context.Context, changes ...domain.StateChange) error {
	records := make([]Record, 0, len(changes))
	for _, c := range changes {
		value, err := json.Marshal(StateEvent{
			EventID:     uuid.NewString(),
			Instance:    p.instance,
			StateChange: c,
		})
		if err != nil {
			return fmt.Errorf("encode state event: %w", err)
		}
		records = append(records, Record{
			Key:       "job:" + strconv.FormatInt(c.JobID, 10),
			Value:     value,
			EventType: eventTypeStateChange,
		})
	}
	return p.producer.Publish(ctx, p.topic, records...)
}

// DecodeStateEvent parses a message published by EventPublisher.
func DecodeStateEvent(msg Message) (StateEvent, error) {
	var ev StateEvent
	if msg.EventType != "" && msg.EventType != eventTypeStateChange {
		return ev, fmt.Errorf("unexpected event type %q at offset %d", msg.EventType, msg.Offset)
	}
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode state event at offset %d: %w", msg.Offset, err)
	}
	return ev, nil
}
