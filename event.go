package modhub

import (
	"fmt"
	"math"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"
)

// DefaultEventSource is the source recorded on events that were created
// without WithEventSource.
const DefaultEventSource = "modhub"

// channelExtension carries an event's dispatch channel through CloudEvents.
const channelExtension = "modhubchannel"

// Event is an immutable, named payload. Routing uses the identifier only;
// the payload is never consulted when looking up listeners.
type Event struct {
	id         string
	identifier string
	payload    *DataObject
	source     string
	createdAt  time.Time
	channel    int
	scoped     bool
}

// EventReference is the form passed through dispatch. All listeners share the
// same Event and payload; nothing is copied per listener.
type EventReference = *Event

// EventOption customises an Event at construction.
type EventOption func(*Event)

// WithEventSource records the producer of the event.
func WithEventSource(source string) EventOption {
	return func(e *Event) {
		if source != "" {
			e.source = source
		}
	}
}

// WithChannel scopes dispatch to modules bound to the given channel.
func WithChannel(channel int) EventOption {
	return func(e *Event) {
		e.channel = channel
		e.scoped = true
	}
}

// WithEventID overrides the generated event ID, e.g. when bridging an
// event that already carries one.
func WithEventID(id string) EventOption {
	return func(e *Event) {
		if id != "" {
			e.id = id
		}
	}
}

// NewEvent creates an event. A nil payload is replaced by an empty one.
// The payload is frozen: the producer must not modify it afterwards.
func NewEvent(identifier string, payload *DataObject, opts ...EventOption) *Event {
	if payload == nil {
		payload = NewDataObject()
	}
	payload.freeze()

	e := &Event{
		id:         generateEventID(),
		identifier: identifier,
		payload:    payload,
		source:     DefaultEventSource,
		createdAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Identifier returns the event name used for routing.
func (e *Event) Identifier() string {
	return e.identifier
}

// Payload returns the event's DataObject. It is never nil.
func (e *Event) Payload() *DataObject {
	return e.payload
}

// ID returns the unique ID of this occurrence.
func (e *Event) ID() string {
	return e.id
}

// Source returns the producer recorded on the event.
func (e *Event) Source() string {
	return e.source
}

// Time returns when the event was created.
func (e *Event) Time() time.Time {
	return e.createdAt
}

// Channel returns the dispatch channel the event is scoped to, if any.
func (e *Event) Channel() (int, bool) {
	return e.channel, e.scoped
}

// SameIdentifier reports whether both events route to the same listeners.
func (e *Event) SameIdentifier(other *Event) bool {
	return other != nil && e.identifier == other.identifier
}

func (e *Event) String() string {
	return fmt.Sprintf("%s%s", e.identifier, e.payload)
}

// ToCloudEvent converts the event to a CloudEvent. The payload is encoded as a
// JSON array so the positional contract survives the trip. CloudEvents
// integers are 32-bit, so channels outside that range are rejected.
func (e *Event) ToCloudEvent() (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(e.id)
	ce.SetSource(e.source)
	ce.SetType(e.identifier)
	ce.SetTime(e.createdAt)
	ce.SetSpecVersion(cloudevents.VersionV1)

	if err := ce.SetData(cloudevents.ApplicationJSON, e.payload.Values()); err != nil {
		return ce, fmt.Errorf("failed to encode payload of %s: %w", e.identifier, err)
	}
	if e.scoped {
		if e.channel < math.MinInt32 || e.channel > math.MaxInt32 {
			return ce, fmt.Errorf("%w: %s has channel %d", ErrChannelOutOfRange, e.identifier, e.channel)
		}
		ce.SetExtension(channelExtension, int32(e.channel))
	}
	return ce, nil
}

// EventFromCloudEvent builds an event from a CloudEvent whose data is a JSON
// array. Values decode with encoding/json types (string, float64, bool, nil,
// []any, map[string]any).
func EventFromCloudEvent(ce cloudevents.Event) (*Event, error) {
	if ce.Type() == "" {
		return nil, ErrEmptyEventID
	}

	var values []any
	if len(ce.Data()) > 0 {
		if err := ce.DataAs(&values); err != nil {
			return nil, fmt.Errorf("%w: %s data is not a JSON array: %w", ErrMalformedPayload, ce.Type(), err)
		}
	}

	opts := []EventOption{WithEventSource(ce.Source()), WithEventID(ce.ID())}
	if raw, ok := ce.Extensions()[channelExtension]; ok {
		channel, err := types.ToInteger(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s extension: %w", channelExtension, err)
		}
		opts = append(opts, WithChannel(int(channel)))
	}

	ev := NewEvent(ce.Type(), NewDataObject(values...), opts...)
	if !ce.Time().IsZero() {
		ev.createdAt = ce.Time()
	}
	return ev, nil
}

// generateEventID generates a unique identifier using UUIDv7.
// UUIDv7 includes timestamp information which provides time-ordered uniqueness.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
