package cmd

import (
	"context"
	"slices"
	"sync"

	"github.com/GoCodeAlone/modhub"
	"github.com/GoCodeAlone/modhub/configwatch"
)

// EventLogModuleID identifies the built-in event log module.
const EventLogModuleID = "eventlog"

// eventLogModule logs every event it receives. It always listens to
// configuration changes.
type eventLogModule struct {
	logger modhub.Logger

	mu     sync.Mutex
	events []string
	seen   uint64
}

func newEventLogModule(logger modhub.Logger, events []string) *eventLogModule {
	listens := append([]string{configwatch.EventConfigChanged}, events...)
	slices.Sort(listens)
	return &eventLogModule{logger: logger, events: slices.Compact(listens)}
}

func (m *eventLogModule) Identifier() string {
	return EventLogModuleID
}

func (m *eventLogModule) ListenEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func (m *eventLogModule) Exec(_ context.Context, event *modhub.Event) (*modhub.Event, error) {
	m.mu.Lock()
	m.seen++
	m.mu.Unlock()

	m.logger.Info("Event received",
		"event", event.Identifier(),
		"id", event.ID(),
		"source", event.Source(),
		"payload", event.Payload().String())
	return nil, nil
}

func (m *eventLogModule) OnActivate(context.Context) error {
	m.logger.Info("Event log active", "events", m.ListenEvents())
	return nil
}

func (m *eventLogModule) OnDeactivate(context.Context) error {
	m.logger.Info("Event log paused")
	return nil
}

func (m *eventLogModule) OnUnload(context.Context) error {
	m.mu.Lock()
	seen := m.seen
	m.mu.Unlock()
	m.logger.Info("Event log unloaded", "received", seen)
	return nil
}

func (m *eventLogModule) received() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen
}

// plan computes the interest set for events and how it differs from the
// current one. Nothing changes until commit.
func (m *eventLogModule) plan(events []string) (next, added, removed []string) {
	next = newEventLogModule(m.logger, events).events

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range next {
		if !slices.Contains(m.events, e) {
			added = append(added, e)
		}
	}
	for _, e := range m.events {
		if !slices.Contains(next, e) {
			removed = append(removed, e)
		}
	}
	return next, added, removed
}

func (m *eventLogModule) commit(next []string) {
	m.mu.Lock()
	m.events = next
	m.mu.Unlock()
}
