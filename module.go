// Package modhub provides a module/event runtime: independently developed
// modules register with a GlobalModuleContext,
// declare interest in named events and receive them on their own task
// runner, exchanging positional, runtime-checked DataObject payloads.
//
// Basic usage:
//
//	gmc, err := modhub.NewGlobalModuleContext(nil, modhub.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer gmc.Shutdown(ctx)
//
//	if err := gmc.RegisterModule(myModule); err != nil {
//		return err
//	}
//	_ = gmc.ActivateModule(myModule.Identifier())
//	_ = gmc.ListenEvent(myModule.Identifier(), "key.imported")
//	gmc.TriggerEvent(ctx, modhub.NewEvent("key.imported", modhub.TransferParams(fpr)))
package modhub

import "context"

// EventHandler handles one event for a module. A non-nil returned event is the
// handler's result; the runtime triggers it after the handler returns.
type EventHandler func(ctx context.Context, event *Event) (*Event, error)

// Module is a unit of functionality managed by the runtime.
//
// Exec is invoked on the module's own task runner, so a module never sees two
// of its handlers run at the same time. It must not assume any ordering
// relative to other modules handling the same event.
type Module interface {
	// Identifier returns the unique identifier of the module.
	Identifier() string

	// Exec handles an event the module listens to. Modules implementing
	// EventRouter receive events with a dedicated handler there instead.
	Exec(ctx context.Context, event *Event) (*Event, error)
}

// EventListener is implemented by modules that declare their interest set up
// front. Each identifier is passed to ListenEvent at registration.
type EventListener interface {
	ListenEvents() []string
}

// EventRouter is implemented by modules that want a dedicated handler per
// event identifier. Events without an entry fall back to Exec.
type EventRouter interface {
	EventHandlers() map[string]EventHandler
}

// ChannelBound is implemented by modules that may ask for a specific channel.
// Modules without it, or returning false, are bound to the default channel.
type ChannelBound interface {
	Channel() (int, bool)
}

// Activatable modules are notified, on their runner, after activation.
type Activatable interface {
	OnActivate(ctx context.Context) error
}

// Deactivatable modules are notified, on their runner, after deactivation.
type Deactivatable interface {
	OnDeactivate(ctx context.Context) error
}

// Unloadable modules release their resources in OnUnload. It is the last task
// executed on the module's runner.
type Unloadable interface {
	OnUnload(ctx context.Context) error
}

// FunctionalModule builds a module from plain functions.
type FunctionalModule struct {
	id       string
	handler  EventHandler
	listens  []string
	handlers map[string]EventHandler
	channel  *int
}

// FunctionalModuleOption customises a FunctionalModule.
type FunctionalModuleOption func(*FunctionalModule)

// ListeningTo declares events the module listens to from registration on.
func ListeningTo(eventIDs ...string) FunctionalModuleOption {
	return func(m *FunctionalModule) {
		m.listens = append(m.listens, eventIDs...)
	}
}

// HandlingEvent routes one event identifier to a dedicated handler and
// declares interest in it.
func HandlingEvent(eventID string, handler EventHandler) FunctionalModuleOption {
	return func(m *FunctionalModule) {
		if m.handlers == nil {
			m.handlers = make(map[string]EventHandler)
		}
		m.handlers[eventID] = handler
		m.listens = append(m.listens, eventID)
	}
}

// OnChannel binds the module to a specific channel.
func OnChannel(channel int) FunctionalModuleOption {
	return func(m *FunctionalModule) {
		m.channel = &channel
	}
}

// NewFunctionalModule creates a module whose Exec calls handler.
// A nil handler ignores events without a dedicated handler.
func NewFunctionalModule(id string, handler EventHandler, opts ...FunctionalModuleOption) *FunctionalModule {
	m := &FunctionalModule{id: id, handler: handler}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identifier implements Module.
func (m *FunctionalModule) Identifier() string {
	return m.id
}

// Exec implements Module.
func (m *FunctionalModule) Exec(ctx context.Context, event *Event) (*Event, error) {
	if m.handler == nil {
		return nil, nil
	}
	return m.handler(ctx, event)
}

// ListenEvents implements EventListener.
func (m *FunctionalModule) ListenEvents() []string {
	return m.listens
}

// EventHandlers implements EventRouter.
func (m *FunctionalModule) EventHandlers() map[string]EventHandler {
	return m.handlers
}

// Channel implements ChannelBound.
func (m *FunctionalModule) Channel() (int, bool) {
	if m.channel == nil {
		return 0, false
	}
	return *m.channel, true
}
