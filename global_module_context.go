package modhub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/GoCodeAlone/modhub"

// ContextStats is a snapshot of dispatch counters and runner state.
type ContextStats struct {
	Modules int `json:"modules"`
	Active  int `json:"active"`
	// Triggered counts TriggerEvent calls that were accepted.
	Triggered uint64 `json:"triggered"`
	// Dispatched counts jobs posted to module runners.
	Dispatched uint64 `json:"dispatched"`
	// Skipped counts interested modules passed over because they were not
	// active or sat on another channel.
	Skipped uint64 `json:"skipped"`
	// Unrouted counts triggers that reached no module.
	Unrouted        uint64        `json:"unrouted"`
	HandlerFailures uint64        `json:"handlerFailures"`
	Global          RunnerStats   `json:"global"`
	Runners         []RunnerStats `json:"runners"`
}

// GlobalModuleContext is the coordinator of the runtime. It owns the module
// catalog, the event interest index and the runners, and routes triggered
// events to interested, active modules.
//
// One lock covers the catalog and the interest index together so a trigger
// always sees a consistent view. Only non-blocking enqueues happen under it;
// handlers, hooks and observers run on task runners.
type GlobalModuleContext struct {
	cfg            *Config
	logger         Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	global     *TaskRunner
	ownsGlobal bool

	mu        sync.Mutex
	modules   *ModuleManager
	interests map[string][]string
	routes    map[string]map[string]EventHandler
	closed    bool

	observers        *observerSet
	pendingObservers []pendingObserver

	triggered  atomic.Uint64
	dispatched atomic.Uint64
	skipped    atomic.Uint64
	unrouted   atomic.Uint64
	failures   atomic.Uint64
}

// NewGlobalModuleContext creates a context. If global is nil a global runner
// is created and owned by the context; a supplied runner is flushed, not
// stopped, on Shutdown.
func NewGlobalModuleContext(global *TaskRunner, opts ...Option) (*GlobalModuleContext, error) {
	g := &GlobalModuleContext{
		cfg:            DefaultConfig(),
		logger:         defaultLogger(),
		tracerProvider: otel.GetTracerProvider(),
		modules:        NewModuleManager(),
		interests:      make(map[string][]string),
		routes:         make(map[string]map[string]EventHandler),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if global == nil {
		global = NewTaskRunner(g.cfg.GlobalRunnerName, g.logger)
		g.ownsGlobal = true
	}
	g.global = global
	g.tracer = g.tracerProvider.Tracer(instrumentationName)
	g.observers = newObserverSet(global, g.logger)
	for _, p := range g.pendingObservers {
		if err := g.observers.register(p.observer, p.eventTypes...); err != nil {
			return nil, err
		}
	}
	g.pendingObservers = nil

	return g, nil
}

// Config returns a copy of the runtime configuration.
func (g *GlobalModuleContext) Config() Config {
	return *g.cfg
}

// Logger returns the context's logger.
func (g *GlobalModuleContext) Logger() Logger {
	return g.logger
}

// GetGlobalTaskRunner returns the runner for work not tied to a module.
func (g *GlobalModuleContext) GetGlobalTaskRunner() *TaskRunner {
	return g.global
}

// GetTaskRunner returns the runner bound to a registered module.
// The second result is false for unknown or unloaded modules.
func (g *GlobalModuleContext) GetTaskRunner(id string) (*TaskRunner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.modules.record(id)
	if err != nil || rec.runner == nil {
		return nil, false
	}
	return rec.runner, true
}

// GetModuleTaskRunner is GetTaskRunner keyed by the module itself.
func (g *GlobalModuleContext) GetModuleTaskRunner(module Module) (*TaskRunner, bool) {
	if module == nil {
		return nil, false
	}
	return g.GetTaskRunner(module.Identifier())
}

// GetChannel returns the channel assigned to the module at registration, or
// the default channel if the module is not registered.
func (g *GlobalModuleContext) GetChannel(module Module) int {
	if module == nil {
		return g.cfg.DefaultChannel
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, err := g.modules.record(module.Identifier()); err == nil {
		return rec.channel
	}
	return g.cfg.DefaultChannel
}

// GetDefaultChannel returns the process-wide channel given to modules that
// do not request one.
func (g *GlobalModuleContext) GetDefaultChannel() int {
	return g.cfg.DefaultChannel
}

// RegisterModule adds a module to the catalog, binds it to a new runner and a
// channel, and applies the interest set it declares through EventListener.
// A repeated identifier fails with ErrDuplicateIdentifier and leaves the
// existing registration untouched.
func (g *GlobalModuleContext) RegisterModule(module Module) error {
	if module == nil {
		return ErrNilModule
	}
	id := module.Identifier()

	// Capabilities are read before taking the lock; module code never runs
	// under it.
	channel := g.cfg.DefaultChannel
	if bound, ok := module.(ChannelBound); ok {
		if c, requested := bound.Channel(); requested {
			channel = c
		}
	}
	var listens []string
	if listener, ok := module.(EventListener); ok {
		listens = listener.ListenEvents()
	}
	var handlers map[string]EventHandler
	if router, ok := module.(EventRouter); ok {
		handlers = cloneHandlers(router.EventHandlers())
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrContextClosed
	}
	if err := g.modules.Register(module); err != nil {
		g.mu.Unlock()
		return err
	}
	rec, _ := g.modules.record(id)
	rec.runner = NewTaskRunner("module:"+id, g.logger)
	rec.channel = channel
	if len(handlers) > 0 {
		g.routes[id] = handlers
	}
	for _, eventID := range listens {
		if eventID != "" {
			g.addInterestLocked(id, eventID)
		}
	}
	activated := false
	if g.cfg.ActivateOnRegister {
		activated, _ = g.modules.Activate(id)
		if activated {
			g.postHookLocked(rec, "activate")
		}
	}
	g.mu.Unlock()

	g.logger.Info("Module registered", "module", id, "channel", channel, "listens", listens)
	g.emit(context.Background(), EventTypeModuleRegistered, map[string]any{
		"module":  id,
		"channel": channel,
		"listens": listens,
	})
	if activated {
		g.emit(context.Background(), EventTypeModuleActivated, map[string]any{"module": id})
	}
	return nil
}

// ActivateModule makes a registered module eligible for dispatch. Activating
// an active module is a no-op.
func (g *GlobalModuleContext) ActivateModule(id string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrContextClosed
	}
	changed, err := g.modules.Activate(id)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if changed {
		rec, _ := g.modules.record(id)
		g.postHookLocked(rec, "activate")
	}
	g.mu.Unlock()

	if changed {
		g.logger.Info("Module activated", "module", id)
		g.emit(context.Background(), EventTypeModuleActivated, map[string]any{"module": id})
	}
	return nil
}

// DeactivateModule stops dispatch to a module without touching its interest
// set, so reactivation restores delivery immediately. Jobs already queued on
// the module's runner still run.
func (g *GlobalModuleContext) DeactivateModule(id string) error {
	g.mu.Lock()
	changed, err := g.modules.Deactivate(id)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if changed {
		rec, _ := g.modules.record(id)
		g.postHookLocked(rec, "deactivate")
	}
	g.mu.Unlock()

	if changed {
		g.logger.Info("Module deactivated", "module", id)
		g.emit(context.Background(), EventTypeModuleDeactivated, map[string]any{"module": id})
	}
	return nil
}

// UnloadModule removes a module from the catalog and the interest index,
// runs its OnUnload hook and drains its runner. Jobs queued before the
// unload still run; ctx bounds the wait, and ShutdownTimeout applies when it
// has no deadline. The identifier may be registered again once UnloadModule
// returns.
//
// A module may unload itself from its handler or hooks by passing the
// context it was given. The runner then drains after the handler returns and
// UnloadModule does not wait for it.
func (g *GlobalModuleContext) UnloadModule(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && g.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
		defer cancel()
	}

	g.mu.Lock()
	rec, err := g.modules.record(id)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	g.postHookLocked(rec, "unload")
	runner := rec.runner
	g.removeInterestsLocked(id)
	delete(g.routes, id)
	info, _ := g.modules.Unload(id)
	g.mu.Unlock()

	var drainErr error
	if runner != nil {
		drainErr = runner.Shutdown(ctx)
	}

	g.logger.Info("Module unloaded", "module", id, "previousState", info.State)
	g.emit(context.Background(), EventTypeModuleUnloaded, map[string]any{"module": id, "previousState": info.State.String()})
	if drainErr != nil {
		return fmt.Errorf("unload %s: %w", id, drainErr)
	}
	return nil
}

// ListenEvent adds the module to the ordered interest set of eventID.
// Listening twice is a no-op.
func (g *GlobalModuleContext) ListenEvent(id, eventID string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.modules.record(id); err != nil {
		return err
	}
	g.addInterestLocked(id, eventID)
	return nil
}

// UnlistenEvent removes the module from the interest set of eventID.
func (g *GlobalModuleContext) UnlistenEvent(id, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.modules.record(id); err != nil {
		return err
	}
	ids := g.interests[eventID]
	if i := slices.Index(ids, id); i >= 0 {
		ids = slices.Delete(ids, i, i+1)
		if len(ids) == 0 {
			delete(g.interests, eventID)
		} else {
			g.interests[eventID] = ids
		}
	}
	return nil
}

// Listeners returns the modules interested in eventID, in the order they
// declared interest, whatever their state.
func (g *GlobalModuleContext) Listeners(eventID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.interests[eventID])
}

// TriggerEvent posts a dispatch job for event to the runner of every active
// module interested in it, in interest order. If the event is scoped to a
// channel, only modules on that channel receive it. TriggerEvent does not wait
// for handlers and reports whether at least one job was posted.
func (g *GlobalModuleContext) TriggerEvent(ctx context.Context, event *Event) bool {
	if event == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := g.tracer.Start(ctx, "modhub.trigger "+event.Identifier(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(eventAttributes(event)...))
	defer span.End()
	link := trace.LinkFromContext(ctx)

	channel, scoped := event.Channel()
	posted := 0

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Debug("Trigger after shutdown ignored", "event", event.Identifier())
		return false
	}
	for _, id := range g.interests[event.Identifier()] {
		rec, err := g.modules.record(id)
		if err != nil {
			continue
		}
		if rec.state != StateActivated || (scoped && rec.channel != channel) {
			g.skipped.Add(1)
			continue
		}
		task := &dispatchTask{
			gmc:      g,
			moduleID: id,
			module:   rec.module,
			handler:  g.routes[id][event.Identifier()],
			event:    event,
			link:     link,
		}
		if err := rec.runner.Post(task); err != nil {
			g.logger.Warn("Dispatch not queued", "module", id, "event", event.Identifier(), "error", err)
			continue
		}
		posted++
	}
	g.mu.Unlock()

	g.triggered.Add(1)
	g.dispatched.Add(uint64(posted))
	if posted == 0 {
		g.unrouted.Add(1)
	}
	span.SetAttributes(dispatchCount(posted))
	g.logger.Debug("Event triggered", "event", event.Identifier(), "id", event.ID(), "dispatched", posted)

	g.emit(ctx, EventTypeEventTriggered, map[string]any{
		"event":      event.Identifier(),
		"eventId":    event.ID(),
		"source":     event.Source(),
		"dispatched": posted,
	})
	return posted > 0
}

// Modules returns snapshots of every registered module in registration order.
func (g *GlobalModuleContext) Modules() []ModuleInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules.List()
}

// Module returns the snapshot of one registration.
func (g *GlobalModuleContext) Module(id string) (ModuleInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules.Info(id)
}

// ModuleState returns the state of a module, StateUnregistered if unknown.
func (g *GlobalModuleContext) ModuleState(id string) ModuleState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules.State(id)
}

// Stats returns the dispatch counters and a snapshot of every runner.
func (g *GlobalModuleContext) Stats() ContextStats {
	g.mu.Lock()
	runners := make([]*TaskRunner, 0, g.modules.Len())
	active := 0
	for _, id := range g.modules.order {
		rec := g.modules.records[id]
		if rec.state == StateActivated {
			active++
		}
		if rec.runner != nil {
			runners = append(runners, rec.runner)
		}
	}
	modules := g.modules.Len()
	g.mu.Unlock()

	stats := ContextStats{
		Modules:         modules,
		Active:          active,
		Triggered:       g.triggered.Load(),
		Dispatched:      g.dispatched.Load(),
		Skipped:         g.skipped.Load(),
		Unrouted:        g.unrouted.Load(),
		HandlerFailures: g.failures.Load(),
		Global:          g.global.Stats(),
		Runners:         make([]RunnerStats, 0, len(runners)),
	}
	for _, r := range runners {
		stats.Runners = append(stats.Runners, r.Stats())
	}
	return stats
}

// Shutdown refuses new work, runs OnUnload for every module, drains every
// module runner and then the global runner. If ctx has no deadline the
// configured ShutdownTimeout applies. Errors from individual runners are
// joined.
func (g *GlobalModuleContext) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && g.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
		defer cancel()
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	ids := slices.Clone(g.modules.order)
	runners := make([]*TaskRunner, 0, len(ids))
	for _, id := range ids {
		rec := g.modules.records[id]
		g.postHookLocked(rec, "unload")
		if rec.runner != nil {
			runners = append(runners, rec.runner)
		}
		_, _ = g.modules.Unload(id)
	}
	clear(g.interests)
	clear(g.routes)
	g.mu.Unlock()

	g.logger.Info("Shutting down module context", "modules", len(ids))

	var errs []error
	for _, r := range runners {
		if err := r.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	g.emit(ctx, EventTypeContextStopped, map[string]any{"modules": ids})

	if g.ownsGlobal {
		if err := g.global.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if err := g.global.Flush(ctx); err != nil && !errors.Is(err, ErrRunnerStopped) {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		g.logger.Error("Module context shutdown incomplete", "error", err)
		return err
	}
	g.logger.Info("Module context stopped")
	return nil
}

// RegisterObserver implements Subject.
func (g *GlobalModuleContext) RegisterObserver(observer Observer, eventTypes ...string) error {
	return g.observers.register(observer, eventTypes...)
}

// UnregisterObserver implements Subject.
func (g *GlobalModuleContext) UnregisterObserver(observer Observer) error {
	g.observers.unregister(observer)
	return nil
}

// NotifyObservers implements Subject. Delivery happens on the global runner.
func (g *GlobalModuleContext) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	return g.observers.notify(ctx, event)
}

// GetObservers implements Subject.
func (g *GlobalModuleContext) GetObservers() []ObserverInfo {
	return g.observers.info()
}

func (g *GlobalModuleContext) emit(ctx context.Context, eventType string, data map[string]any) {
	event := NewCloudEvent(eventType, g.cfg.EventSource, data, nil)
	if err := g.observers.notify(ctx, event); err != nil {
		g.logger.Debug("Failed to notify observers", "eventType", eventType, "error", err)
	}
}

func (g *GlobalModuleContext) addInterestLocked(id, eventID string) {
	ids := g.interests[eventID]
	if slices.Contains(ids, id) {
		return
	}
	g.interests[eventID] = append(ids, id)
}

func (g *GlobalModuleContext) removeInterestsLocked(id string) {
	for eventID, ids := range g.interests {
		if i := slices.Index(ids, id); i >= 0 {
			ids = slices.Delete(ids, i, i+1)
			if len(ids) == 0 {
				delete(g.interests, eventID)
			} else {
				g.interests[eventID] = ids
			}
		}
	}
}

// postHookLocked queues the lifecycle hook of the given kind, if the module
// implements it, on the module's runner.
func (g *GlobalModuleContext) postHookLocked(rec *moduleRecord, kind string) {
	if rec.runner == nil {
		return
	}
	var fn func(context.Context) error
	switch kind {
	case "activate":
		if m, ok := rec.module.(Activatable); ok {
			fn = m.OnActivate
		}
	case "deactivate":
		if m, ok := rec.module.(Deactivatable); ok {
			fn = m.OnDeactivate
		}
	case "unload":
		if m, ok := rec.module.(Unloadable); ok {
			fn = m.OnUnload
		}
	}
	if fn == nil {
		return
	}
	task := &hookTask{gmc: g, moduleID: rec.module.Identifier(), kind: kind, fn: fn}
	if err := rec.runner.Post(task); err != nil {
		g.logger.Warn("Lifecycle hook not queued", "module", task.moduleID, "hook", kind, "error", err)
	}
}

func (g *GlobalModuleContext) reportFailure(ctx context.Context, moduleID, eventID string, err error) {
	g.failures.Add(1)
	g.logger.Error("Handler failed", "module", moduleID, "event", eventID, "error", err)
	g.emit(ctx, EventTypeHandlerFailed, map[string]any{
		"module": moduleID,
		"event":  eventID,
		"error":  err.Error(),
	})
}

func cloneHandlers(in map[string]EventHandler) map[string]EventHandler {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]EventHandler, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
