package modhub

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
)

// testLogger routes runtime logs to the test output.
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, args ...any)  { l.t.Log(fmt.Sprintf("[INFO] %s", msg), args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Log(fmt.Sprintf("[ERROR] %s", msg), args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Log(fmt.Sprintf("[WARN] %s", msg), args) }
func (l *testLogger) Debug(msg string, args ...any) { l.t.Log(fmt.Sprintf("[DEBUG] %s", msg), args) }

// MockLogger
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Info(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Warn(msg string, args ...any) {
	m.Called(msg, args)
}

func (m *MockLogger) Error(msg string, args ...any) {
	m.Called(msg, args)
}

// recordingModule records every event it handles, in order.
type recordingModule struct {
	id      string
	listens []string
	channel *int
	handle  func(ctx context.Context, ev *Event) (*Event, error)

	mu       sync.Mutex
	received []*Event
	hooks    []string
}

func newRecordingModule(id string, listens ...string) *recordingModule {
	return &recordingModule{id: id, listens: listens}
}

func (m *recordingModule) Identifier() string { return m.id }

func (m *recordingModule) Exec(ctx context.Context, ev *Event) (*Event, error) {
	m.mu.Lock()
	m.received = append(m.received, ev)
	m.mu.Unlock()
	if m.handle != nil {
		return m.handle(ctx, ev)
	}
	return nil, nil
}

func (m *recordingModule) ListenEvents() []string { return m.listens }

func (m *recordingModule) Channel() (int, bool) {
	if m.channel == nil {
		return 0, false
	}
	return *m.channel, true
}

func (m *recordingModule) OnActivate(context.Context) error   { m.hook("activate"); return nil }
func (m *recordingModule) OnDeactivate(context.Context) error { m.hook("deactivate"); return nil }
func (m *recordingModule) OnUnload(context.Context) error     { m.hook("unload"); return nil }

func (m *recordingModule) hook(name string) {
	m.mu.Lock()
	m.hooks = append(m.hooks, name)
	m.mu.Unlock()
}

func (m *recordingModule) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.received))
	for i, ev := range m.received {
		out[i] = ev.Identifier()
	}
	return out
}

func (m *recordingModule) payloads() []*DataObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DataObject, len(m.received))
	for i, ev := range m.received {
		out[i] = ev.Payload()
	}
	return out
}

func (m *recordingModule) hookCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hooks...)
}

// newTestContext builds a context whose runners are drained at test end.
func newTestContext(t *testing.T, opts ...Option) *GlobalModuleContext {
	t.Helper()
	opts = append([]Option{WithLogger(&testLogger{t: t})}, opts...)
	gmc, err := NewGlobalModuleContext(nil, opts...)
	if err != nil {
		t.Fatalf("Failed to create module context: %v", err)
	}
	t.Cleanup(func() {
		_ = gmc.Shutdown(context.Background())
	})
	return gmc
}

// flushModule waits until every job queued on the module's runner has run.
func flushModule(t *testing.T, gmc *GlobalModuleContext, id string) {
	t.Helper()
	runner, ok := gmc.GetTaskRunner(id)
	if !ok {
		t.Fatalf("No runner for module %s", id)
	}
	if err := runner.Flush(context.Background()); err != nil {
		t.Fatalf("Flush %s: %v", id, err)
	}
}
