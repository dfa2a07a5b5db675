// Package scheduler triggers runtime events on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Source is the event source recorded on scheduled events.
const Source = "scheduler"

// Trigger is the part of the module context the scheduler needs.
type Trigger interface {
	TriggerEvent(ctx context.Context, event *modhub.Event) bool
}

// PayloadFunc builds the payload for one tick. A nil PayloadFunc sends an
// empty payload.
type PayloadFunc func(ctx context.Context) (*modhub.DataObject, error)

// Entry describes a scheduled event.
type Entry struct {
	ID         string     `json:"id"`
	Schedule   string     `json:"schedule"`
	EventID    string     `json:"eventId"`
	Channel    *int       `json:"channel,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	NextRun    *time.Time `json:"nextRun,omitempty"`
	Runs       uint64     `json:"runs"`
	Dispatched uint64     `json:"dispatched"`
	Failures   uint64     `json:"failures"`
}

type entry struct {
	Entry
	payload PayloadFunc
	cronID  cron.EntryID
}

// Scheduler fires events on cron schedules through a Trigger.
type Scheduler struct {
	target   Trigger
	logger   modhub.Logger
	location *time.Location
	parser   cron.Parser

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*entry
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger modhub.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocation evaluates schedules in the given time zone instead of local time.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSeconds accepts schedules with a leading seconds field.
func WithSeconds() Option {
	return func(s *Scheduler) {
		s.parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}
}

// EntryOption customises one scheduled event.
type EntryOption func(*entry)

// OnChannel scopes the scheduled events to a channel.
func OnChannel(channel int) EntryOption {
	return func(e *entry) {
		e.Channel = &channel
	}
}

// New creates a scheduler that triggers events on target.
func New(target Trigger, opts ...Option) *Scheduler {
	s := &Scheduler{
		target:   target,
		logger:   nopLogger{},
		location: time.Local,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLocation(s.location), cron.WithParser(s.parser))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Schedule registers eventID to be triggered on spec, a standard five field
// cron expression or a descriptor such as "@every 1m". It returns the entry ID.
func (s *Scheduler) Schedule(spec, eventID string, payload PayloadFunc, opts ...EntryOption) (string, error) {
	if eventID == "" {
		return "", ErrEmptyEventID
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}

	e := &entry{
		Entry: Entry{
			ID:        uuid.New().String(),
			Schedule:  spec,
			EventID:   eventID,
			CreatedAt: time.Now(),
		},
		payload: payload,
	}
	for _, opt := range opts {
		opt(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.ID
	cronID, err := s.cron.AddFunc(spec, func() { s.fire(id) })
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}
	e.cronID = cronID
	s.entries[id] = e

	s.logger.Info("Scheduled event", "entry", id, "event", eventID, "schedule", spec)
	return id, nil
}

// Remove cancels a scheduled event.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, id)
	s.logger.Info("Removed scheduled event", "entry", id, "event", e.EventID)
	return nil
}

// Entries returns the scheduled events ordered by creation time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot := e.Entry
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			snapshot.NextRun = &next
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RunNow fires an entry immediately, outside its schedule, and reports
// whether the event reached a module.
func (s *Scheduler) RunNow(id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return s.fire(id), nil
}

// Start begins firing scheduled events.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started", "entries", len(s.entries))
	return nil
}

// Stop halts the schedule and waits, bounded by ctx, for ticks in progress.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) fire(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	e.LastRun = &now
	e.Runs++
	payloadFn, eventID, channel := e.payload, e.EventID, e.Channel
	ctx := s.ctx
	s.mu.Unlock()

	payload := modhub.NewDataObject()
	if payloadFn != nil {
		built, err := payloadFn(ctx)
		if err != nil {
			s.logger.Error("Failed to build scheduled payload", "entry", id, "event", eventID, "error", err)
			s.record(id, func(e *entry) { e.Failures++ })
			return false
		}
		payload = built
	}

	opts := []modhub.EventOption{modhub.WithEventSource(Source)}
	if channel != nil {
		opts = append(opts, modhub.WithChannel(*channel))
	}
	dispatched := s.target.TriggerEvent(ctx, modhub.NewEvent(eventID, payload, opts...))
	if dispatched {
		s.record(id, func(e *entry) { e.Dispatched++ })
	}
	s.logger.Debug("Scheduled event fired", "entry", id, "event", eventID, "dispatched", dispatched)
	return dispatched
}

func (s *Scheduler) record(id string, update func(*entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		update(e)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
