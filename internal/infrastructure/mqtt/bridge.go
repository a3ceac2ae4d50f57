package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/pulselink-core/internal/bus"
)

// modEvent is the JSON payload mods publish below pulselink/event/.
type modEvent struct {
	// Type overrides the event type derived from the topic tail.
	Type string `json:"type,omitempty"`

	// RuleID names an exact rule to dispatch instead of trigger mapping.
	RuleID string `json:"rule_id,omitempty"`

	Value  float64            `json:"value,omitempty"`
	Fields map[string]float64 `json:"fields,omitempty"`
	Source string             `json:"source,omitempty"`
}

// Bridge forwards mod-published MQTT events onto the hub's event bus so
// external game mods reach the dispatch engine without bespoke transports.
type Bridge struct {
	client *Client
	events *bus.Bus
	qos    byte
}

// NewBridge creates a mod-event bridge over a connected client.
func NewBridge(client *Client, events *bus.Bus, qos byte) *Bridge {
	return &Bridge{client: client, events: events, qos: qos}
}

// Start subscribes to the mod-event topic tree. Inbound payloads are decoded
// and published to the bus; malformed payloads are rejected with an error
// the client logs.
func (b *Bridge) Start() error {
	return b.client.Subscribe(TopicEvents, b.qos, b.handleMessage)
}

// handleMessage decodes one mod event.
//
// The event type comes from the payload's type field when present,
// otherwise from the topic tail with slashes mapped to dots:
// pulselink/event/health/decrease -> health.decrease.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	var evt modEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decoding mod event on %s: %w", topic, err)
	}

	eventType := evt.Type
	if eventType == "" {
		eventType = topicEventType(topic)
	}
	if eventType == "" {
		return fmt.Errorf("mod event on %s carries no type", topic)
	}

	source := evt.Source
	if source == "" {
		source = "mod"
	}

	b.events.Publish(bus.Event{
		Type:   bus.EventType(eventType),
		RuleID: evt.RuleID,
		Value:  evt.Value,
		Fields: evt.Fields,
		Source: source,
	})
	return nil
}

// topicEventType derives an event type from the topic below the event
// prefix, or "" when the topic is just the prefix.
func topicEventType(topic string) string {
	tail := strings.TrimPrefix(topic, TopicEventPrefix)
	if tail == topic || tail == "" {
		return ""
	}
	return strings.ReplaceAll(tail, "/", ".")
}
