package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/GoCodeAlone/modhub/admin"
	"github.com/GoCodeAlone/modhub/configwatch"
	"github.com/GoCodeAlone/modhub/journal"
	"github.com/GoCodeAlone/modhub/scheduler"
)

const readHeaderTimeout = 5 * time.Second

// daemon owns everything modhubd runs around one module context.
type daemon struct {
	cfg        *DaemonConfig
	configPath string
	logger     *slog.Logger
	level      *slog.LevelVar

	gmc       *modhub.GlobalModuleContext
	eventLog  *eventLogModule
	scheduler *scheduler.Scheduler
	watcher   *configwatch.Watcher
	journal   *journal.Journal

	server   *http.Server
	listener net.Listener
	served   chan error

	shutdownTracing func(context.Context) error
}

// newDaemon builds the context and its satellites. Nothing runs until start.
func newDaemon(ctx context.Context, cfg *DaemonConfig, configPath string, logger *slog.Logger, level *slog.LevelVar) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, configPath: configPath, logger: logger, level: level}
	defer func() {
		if err != nil {
			if d.gmc != nil {
				_ = d.gmc.Shutdown(context.Background())
			}
			d.closeResources(context.Background())
		}
	}()

	tp, shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	d.shutdownTracing = shutdownTracing

	opts := []modhub.Option{
		modhub.WithLogger(logger),
		modhub.WithConfig(&cfg.Runtime),
		modhub.WithTracerProvider(tp),
	}
	if cfg.Journal.Enabled {
		d.journal, err = journal.Open(ctx, cfg.Journal.DSN,
			journal.WithLogger(logger), journal.WithMaxRecords(cfg.Journal.MaxRecords))
		if err != nil {
			return nil, err
		}
		opts = append(opts, modhub.WithObserver(d.journal))
	}

	d.gmc, err = modhub.NewGlobalModuleContext(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("create module context: %w", err)
	}

	d.eventLog = newEventLogModule(logger, cfg.EventLog.Events)
	if err := d.gmc.RegisterModule(d.eventLog); err != nil {
		return nil, err
	}

	d.scheduler = scheduler.New(d.gmc, scheduler.WithLogger(logger))
	for _, s := range cfg.Schedules {
		var entryOpts []scheduler.EntryOption
		if s.Channel != nil {
			entryOpts = append(entryOpts, scheduler.OnChannel(*s.Channel))
		}
		if _, err := d.scheduler.Schedule(s.Spec, s.Event, staticPayload(s.Payload), entryOpts...); err != nil {
			return nil, err
		}
	}

	if cfg.Watch && configPath != "" {
		d.watcher, err = configwatch.New(configPath, d.reload, d.gmc, configwatch.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	if cfg.Admin.Enabled {
		adminOpts := []admin.Option{
			admin.WithLogger(logger),
			admin.WithSchedules(d.scheduler),
			admin.WithMetricsNamespace(cfg.Admin.MetricsNamespace),
		}
		if d.journal != nil {
			adminOpts = append(adminOpts, admin.WithJournal(d.journal))
		}
		handler, err := admin.NewServer(d.gmc, adminOpts...)
		if err != nil {
			return nil, err
		}
		d.server = &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	}
	return d, nil
}

func (d *daemon) start(ctx context.Context) error {
	if !d.cfg.Runtime.ActivateOnRegister {
		if err := d.gmc.ActivateModule(EventLogModuleID); err != nil {
			return err
		}
	}
	if err := d.scheduler.Start(); err != nil {
		return err
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return err
		}
	}
	if d.server != nil {
		listener, err := net.Listen("tcp", d.cfg.Admin.Address)
		if err != nil {
			return fmt.Errorf("admin listen on %s: %w", d.cfg.Admin.Address, err)
		}
		d.listener = listener
		d.served = make(chan error, 1)
		go func() {
			d.served <- d.server.Serve(listener)
		}()
		d.logger.Info("Admin API listening", "address", listener.Addr().String())
	}
	d.logger.Info("modhubd started", "modules", len(d.gmc.Modules()), "schedules", len(d.cfg.Schedules))
	return nil
}

// adminAddr is the bound admin address, empty when the API is off.
func (d *daemon) adminAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// stop shuts down in reverse start order so in-flight events still find
// their modules.
func (d *daemon) stop(ctx context.Context) error {
	var errs []error
	if d.server != nil && d.listener != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
		if err := <-d.served; err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("admin serve: %w", err))
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.scheduler.Stop(ctx); err != nil && !errors.Is(err, scheduler.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := d.gmc.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, d.closeResources(ctx)...)

	err := errors.Join(errs...)
	if err != nil {
		d.logger.Error("modhubd stopped with errors", "error", err)
	} else {
		d.logger.Info("modhubd stopped")
	}
	return err
}

func (d *daemon) closeResources(ctx context.Context) []error {
	var errs []error
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.shutdownTracing != nil {
		if err := d.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// reload applies the settings that can change without a restart: the log
// level and the events the event log listens to.
func (d *daemon) reload(path string) error {
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		return err
	}
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	d.level.Set(level)

	if d.gmc.ModuleState(EventLogModuleID) == modhub.StateUnregistered {
		d.logger.Warn("Event log is not registered, interest changes skipped", "events", cfg.EventLog.Events)
		d.logger.Info("Configuration applied", "level", level)
		return nil
	}

	next, added, removed := d.eventLog.plan(cfg.EventLog.Events)
	if err := d.retarget(added, removed); err != nil {
		return err
	}
	d.eventLog.commit(next)
	d.logger.Info("Configuration applied", "level", level, "added", added, "removed", removed)
	return nil
}

// retarget moves the event log's interests in the context. On failure the
// changes already made are undone so the module and the index stay in step.
func (d *daemon) retarget(added, removed []string) error {
	var listened, unlistened []string
	undo := func() {
		for _, eventID := range listened {
			_ = d.gmc.UnlistenEvent(EventLogModuleID, eventID)
		}
		for _, eventID := range unlistened {
			_ = d.gmc.ListenEvent(EventLogModuleID, eventID)
		}
	}

	for _, eventID := range added {
		if err := d.gmc.ListenEvent(EventLogModuleID, eventID); err != nil {
			undo()
			return fmt.Errorf("listen %s: %w", eventID, err)
		}
		listened = append(listened, eventID)
	}
	for _, eventID := range removed {
		if err := d.gmc.UnlistenEvent(EventLogModuleID, eventID); err != nil {
			undo()
			return fmt.Errorf("unlisten %s: %w", eventID, err)
		}
		unlistened = append(unlistened, eventID)
	}
	return nil
}

func staticPayload(values []string) scheduler.PayloadFunc {
	if len(values) == 0 {
		return nil
	}
	return func(context.Context) (*modhub.DataObject, error) {
		payload := modhub.NewDataObject()
		for _, v := range values {
			payload.Append(v)
		}
		return payload, nil
	}
}
