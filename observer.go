package modhub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of runtime notifications. They use the CloudEvents
// specification so journals and bridges can forward them unchanged.
type Observer interface {
	// OnEvent is called for every notification the observer subscribed to.
	// Observers run one at a time on the global task runner and should return
	// quickly.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer.
	ObserverID() string
}

// Subject is implemented by components that emit runtime notifications.
type Subject interface {
	// RegisterObserver adds an observer. If eventTypes is empty the observer
	// receives every notification. Registering the same ID again replaces
	// the earlier subscription.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. It is idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers a notification to matching observers. It does
	// not wait for them.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers describes the registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo provides information about a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Notification types emitted by GlobalModuleContext.
const (
	EventTypeModuleRegistered  = "com.modhub.module.registered"
	EventTypeModuleActivated   = "com.modhub.module.activated"
	EventTypeModuleDeactivated = "com.modhub.module.deactivated"
	EventTypeModuleUnloaded    = "com.modhub.module.unloaded"
	EventTypeEventTriggered    = "com.modhub.event.triggered"
	EventTypeHandlerFailed     = "com.modhub.handler.failed"
	EventTypeContextStopped    = "com.modhub.context.stopped"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a new CloudEvent with the specified parameters.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// ValidateCloudEvent validates a CloudEvent against the CloudEvents v1.0 rules.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// FunctionalObserver provides a simple way to create observers using functions.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates a new observer that uses the provided function
// to handle events.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// observerRegistration holds information about a registered observer
type observerRegistration struct {
	seq          uint64
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

func (r *observerRegistration) wants(eventType string) bool {
	return len(r.eventTypes) == 0 || r.eventTypes[eventType]
}

// observerSet is the Subject implementation shared by the context. Delivery
// happens as a single task on the runner so observers see notifications in
// emission order.
type observerSet struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	seq       uint64
	runner    *TaskRunner
	logger    Logger
}

func newObserverSet(runner *TaskRunner, logger Logger) *observerSet {
	return &observerSet{
		observers: make(map[string]*observerRegistration),
		runner:    runner,
		logger:    logger,
	}
}

func (s *observerSet) register(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	types := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		types[eventType] = true
	}

	s.mu.Lock()
	s.seq++
	s.observers[observer.ObserverID()] = &observerRegistration{
		seq:          s.seq,
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (s *observerSet) unregister(observer Observer) {
	if observer == nil {
		return
	}
	s.mu.Lock()
	_, exists := s.observers[observer.ObserverID()]
	delete(s.observers, observer.ObserverID())
	s.mu.Unlock()

	if exists {
		s.logger.Info("Observer unregistered", "observerID", observer.ObserverID())
	}
}

func (s *observerSet) matching(eventType string) []*observerRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*observerRegistration, 0, len(s.observers))
	for _, registration := range s.observers {
		if registration.wants(eventType) {
			out = append(out, registration)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

func (s *observerSet) notify(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		s.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	targets := s.matching(event.Type())
	if len(targets) == 0 {
		return nil
	}
	return s.runner.Post(&notifyTask{event: event, targets: targets, logger: s.logger, parent: ctx})
}

func (s *observerSet) info() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].ID < info[j].ID })
	return info
}

// notifyTask delivers one notification to a snapshot of observers.
type notifyTask struct {
	event   cloudevents.Event
	targets []*observerRegistration
	logger  Logger
	parent  context.Context
}

func (t *notifyTask) TaskName() string {
	return "notify:" + t.event.Type()
}

func (t *notifyTask) Run(ctx context.Context) error {
	// Keep the emitter's values (trace context) but not its cancellation.
	if t.parent != nil {
		ctx = withRunnerOf(context.WithoutCancel(t.parent), ctx)
	}
	for _, registration := range t.targets {
		t.deliver(ctx, registration.observer)
	}
	return nil
}

func (t *notifyTask) deliver(ctx context.Context, observer Observer) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Observer panicked", "observerID", observer.ObserverID(), "event", t.event.Type(), "panic", r)
		}
	}()
	if err := observer.OnEvent(ctx, t.event); err != nil {
		t.logger.Error("Observer error", "observerID", observer.ObserverID(), "event", t.event.Type(), "error", err)
	}
}
