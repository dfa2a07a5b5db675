package modhub

import (
	"context"
	"errors"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCloudEvent(t *testing.T) {
	t.Parallel()

	ev := NewCloudEvent("com.example.test", "tests", map[string]any{"k": "v"}, map[string]any{"tenant": "a"})
	require.NoError(t, ValidateCloudEvent(ev))
	assert.Equal(t, "com.example.test", ev.Type())
	assert.Equal(t, "tests", ev.Source())
	assert.Equal(t, "a", ev.Extensions()["tenant"])
	assert.NotEmpty(t, ev.ID())

	invalid := cloudevents.NewEvent()
	assert.Error(t, ValidateCloudEvent(invalid))
}

func TestObservers_FilteringAndOrder(t *testing.T) {
	t.Parallel()

	gmc := newTestContext(t)

	var mu sync.Mutex
	var seen []string
	record := func(name string) func(context.Context, cloudevents.Event) error {
		return func(ctx context.Context, ev cloudevents.Event) error {
			mu.Lock()
			seen = append(seen, name+":"+ev.Type())
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, gmc.RegisterObserver(NewFunctionalObserver("all", record("all"))))
	require.NoError(t, gmc.RegisterObserver(NewFunctionalObserver("only-b", record("only-b")), "b"))
	require.NoError(t, gmc.RegisterObserver(NewFunctionalObserver("failing", func(context.Context, cloudevents.Event) error {
		return errors.New("observer failed")
	})))
	require.NoError(t, gmc.RegisterObserver(NewFunctionalObserver("panicking", func(context.Context, cloudevents.Event) error {
		panic("observer panicked")
	})))

	ctx := context.Background()
	require.NoError(t, gmc.NotifyObservers(ctx, NewCloudEvent("a", "tests", nil, nil)))
	require.NoError(t, gmc.NotifyObservers(ctx, NewCloudEvent("b", "tests", nil, nil)))
	require.NoError(t, gmc.GetGlobalTaskRunner().Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"all:a", "all:b", "only-b:b"}, seen)

	infos := gmc.GetObservers()
	require.Len(t, infos, 4)
	assert.Equal(t, "all", infos[0].ID)
	assert.Equal(t, "only-b", infos[2].ID)
	assert.Equal(t, []string{"b"}, infos[2].EventTypes)
}

func TestObservers_InvalidEventRejected(t *testing.T) {
	t.Parallel()

	gmc := newTestContext(t)
	assert.Error(t, gmc.NotifyObservers(context.Background(), cloudevents.NewEvent()))
	assert.ErrorIs(t, gmc.RegisterObserver(nil), ErrNilObserver)
	assert.NoError(t, gmc.UnregisterObserver(NewFunctionalObserver("never-registered", nil)))
}
