package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/modhub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	mu     sync.Mutex
	events []*modhub.Event
	result bool
}

func (r *recordingTrigger) TriggerEvent(_ context.Context, ev *modhub.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.result
}

func (r *recordingTrigger) received() []*modhub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*modhub.Event(nil), r.events...)
}

func TestScheduler_ScheduleValidation(t *testing.T) {
	t.Parallel()

	s := New(&recordingTrigger{})

	_, err := s.Schedule("not a schedule", "tick", nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = s.Schedule("*/5 * * * *", "", nil)
	assert.ErrorIs(t, err, ErrEmptyEventID)

	_, err = s.Schedule("* * * * * *", "tick", nil)
	assert.ErrorIs(t, err, ErrInvalidSchedule, "seconds need WithSeconds")

	withSeconds := New(&recordingTrigger{}, WithSeconds())
	_, err = withSeconds.Schedule("*/10 * * * * *", "tick", nil)
	assert.NoError(t, err)
}

func TestScheduler_RunNowBuildsFreshPayload(t *testing.T) {
	t.Parallel()

	trigger := &recordingTrigger{result: true}
	s := New(trigger)

	calls := 0
	id, err := s.Schedule("@hourly", "version.check", func(context.Context) (*modhub.DataObject, error) {
		calls++
		return modhub.TransferParams("tick", calls), nil
	}, OnChannel(2))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		dispatched, err := s.RunNow(id)
		require.NoError(t, err)
		assert.True(t, dispatched)
	}

	events := trigger.received()
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, "version.check", ev.Identifier())
		assert.Equal(t, Source, ev.Source())
		channel, scoped := ev.Channel()
		assert.True(t, scoped)
		assert.Equal(t, 2, channel)
		n, err := modhub.Extract[int](ev.Payload(), 1)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
	assert.NotSame(t, events[0].Payload(), events[1].Payload())

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Runs)
	assert.Equal(t, uint64(2), entries[0].Dispatched)
	assert.NotNil(t, entries[0].LastRun)
}

func TestScheduler_PayloadFailure(t *testing.T) {
	t.Parallel()

	trigger := &recordingTrigger{result: true}
	s := New(trigger)
	id, err := s.Schedule("@daily", "broken", func(context.Context) (*modhub.DataObject, error) {
		return nil, errors.New("no data")
	})
	require.NoError(t, err)

	dispatched, err := s.RunNow(id)
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Empty(t, trigger.received())
	assert.Equal(t, uint64(1), s.Entries()[0].Failures)
}

func TestScheduler_Remove(t *testing.T) {
	t.Parallel()

	s := New(&recordingTrigger{})
	id, err := s.Schedule("@daily", "tick", nil)
	require.NoError(t, err)

	require.NoError(t, s.Remove(id))
	assert.Empty(t, s.Entries())
	assert.ErrorIs(t, s.Remove(id), ErrEntryNotFound)
	_, err = s.RunNow(id)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestScheduler_TicksReachModules(t *testing.T) {
	t.Parallel()

	gmc, err := modhub.NewGlobalModuleContext(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gmc.Shutdown(context.Background()) })

	var mu sync.Mutex
	ticks := 0
	module := modhub.NewFunctionalModule("ticker", func(ctx context.Context, ev *modhub.Event) (*modhub.Event, error) {
		mu.Lock()
		ticks++
		mu.Unlock()
		return nil, nil
	}, modhub.ListeningTo("tick"))
	require.NoError(t, gmc.RegisterModule(module))
	require.NoError(t, gmc.ActivateModule("ticker"))

	s := New(gmc)
	_, err = s.Schedule("@every 1s", "tick", nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 1
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.Stop(ctx), ErrNotStarted)
}
