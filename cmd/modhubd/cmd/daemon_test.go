package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/GoCodeAlone/modhub/journal"
	"github.com/GoCodeAlone/modhub/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDaemon(t *testing.T, path string) *daemon {
	t.Helper()
	cfg, err := loadDaemonConfig(path)
	require.NoError(t, err)

	level := new(slog.LevelVar)
	logger, err := newLogger(cfg.Log, io.Discard, level)
	require.NoError(t, err)

	d, err := newDaemon(context.Background(), cfg, path, logger, level)
	require.NoError(t, err)
	require.NoError(t, d.start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.stop(ctx)
	})
	return d
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
	}
	return resp.StatusCode
}

func TestDaemon_AdminAPI(t *testing.T) {
	path := writeConfig(t, "modhubd.yaml", `
admin:
  enabled: true
  address: 127.0.0.1:0
journal:
  enabled: true
  dsn: ":memory:"
eventLog:
  events: [app.ping]
schedules:
  - spec: "@hourly"
    event: app.ping
    payload: [tick]
`)
	d := startDaemon(t, path)
	base := "http://" + d.adminAddr()

	var modules []modhub.ModuleInfo
	require.Equal(t, http.StatusOK, getJSON(t, base+"/modules", &modules))
	require.Len(t, modules, 1)
	assert.Equal(t, EventLogModuleID, modules[0].Identifier)
	assert.Equal(t, modhub.StateActivated, modules[0].State)

	body := `{"specversion":"1.0","id":"evt-1","source":"test","type":"app.ping","datacontenttype":"application/json","data":["hello"]}`
	resp, err := http.Post(base+"/events", "application/cloudevents+json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var entries []scheduler.Entry
	require.Equal(t, http.StatusOK, getJSON(t, base+"/schedules", &entries))
	require.Len(t, entries, 1)
	resp, err = http.Post(fmt.Sprintf("%s/schedules/%s/run", base, entries[0].ID), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool { return d.eventLog.received() == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		var records []journal.Record
		if getJSON(t, base+"/journal?limit=100", &records) != http.StatusOK {
			return false
		}
		triggered := 0
		for _, r := range records {
			if r.Type == modhub.EventTypeEventTriggered {
				triggered++
			}
		}
		return triggered == 2
	}, 2*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "modhub_events_triggered_total 2")
}

func TestDaemon_AdminDisabled(t *testing.T) {
	d := startDaemon(t, writeConfig(t, "modhubd.yaml", "log:\n  level: error\n"))
	assert.Empty(t, d.adminAddr())
	assert.Equal(t, modhub.StateActivated, d.gmc.ModuleState(EventLogModuleID))
}

func TestDaemon_Reload(t *testing.T) {
	path := writeConfig(t, "modhubd.yaml", "eventLog:\n  events: [app.a, app.b]\n")
	d := startDaemon(t, path)

	assert.Equal(t, []string{EventLogModuleID}, d.gmc.Listeners("app.a"))
	assert.Equal(t, slog.LevelInfo, d.level.Level())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\neventLog:\n  events: [app.b, app.c]\n"), 0o600))
	require.NoError(t, d.reload(path))

	assert.Empty(t, d.gmc.Listeners("app.a"))
	assert.Equal(t, []string{EventLogModuleID}, d.gmc.Listeners("app.b"))
	assert.Equal(t, []string{EventLogModuleID}, d.gmc.Listeners("app.c"))
	assert.Equal(t, []string{EventLogModuleID}, d.gmc.Listeners("config.changed"))
	assert.Equal(t, slog.LevelDebug, d.level.Level())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shout\n"), 0o600))
	assert.ErrorIs(t, d.reload(path), ErrInvalidLogLevel)
}

func TestEventLogModule_Retarget(t *testing.T) {
	t.Parallel()

	m := newEventLogModule(slog.New(slog.NewTextHandler(io.Discard, nil)), []string{"b", "a", "b"})
	assert.Equal(t, []string{"a", "b", "config.changed"}, m.ListenEvents())

	next, added, removed := m.plan([]string{"c", "a"})
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"b"}, removed)
	assert.Equal(t, []string{"a", "b", "config.changed"}, m.ListenEvents(), "plan does not change the module")

	m.commit(next)
	assert.Equal(t, []string{"a", "c", "config.changed"}, m.ListenEvents())
}

func TestDaemon_ReloadAfterEventLogUnloaded(t *testing.T) {
	path := writeConfig(t, "modhubd.yaml", "eventLog:\n  events: [app.a]\n")
	d := startDaemon(t, path)

	require.NoError(t, d.gmc.UnloadModule(context.Background(), EventLogModuleID))

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\neventLog:\n  events: [app.c]\n"), 0o600))
	require.NoError(t, d.reload(path))

	assert.Equal(t, slog.LevelWarn, d.level.Level(), "log level still applies")
	assert.Empty(t, d.gmc.Listeners("app.c"))
	assert.Equal(t, []string{"app.a", "config.changed"}, d.eventLog.ListenEvents())
}

func TestDaemon_RetargetRollsBack(t *testing.T) {
	path := writeConfig(t, "modhubd.yaml", "eventLog:\n  events: [app.a]\n")
	d := startDaemon(t, path)

	err := d.retarget([]string{"app.b", ""}, nil)
	require.ErrorIs(t, err, modhub.ErrEmptyEventID)
	assert.Empty(t, d.gmc.Listeners("app.b"), "partial changes are undone")
	assert.Equal(t, []string{EventLogModuleID}, d.gmc.Listeners("app.a"))
	assert.Equal(t, []string{"app.a", "config.changed"}, d.eventLog.ListenEvents())
}
