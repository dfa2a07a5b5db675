package modhub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleManager_Lifecycle(t *testing.T) {
	t.Parallel()

	mm := NewModuleManager()
	m := newRecordingModule("keyring")

	assert.Equal(t, StateUnregistered, mm.State("keyring"))
	require.NoError(t, mm.Register(m))
	assert.Equal(t, StateRegistered, mm.State("keyring"))

	changed, err := mm.Activate("keyring")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateActivated, mm.State("keyring"))

	changed, err = mm.Activate("keyring")
	require.NoError(t, err)
	assert.False(t, changed, "activating twice is a no-op")

	changed, err = mm.Deactivate("keyring")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateDeactivated, mm.State("keyring"))

	changed, err = mm.Deactivate("keyring")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = mm.Activate("keyring")
	require.NoError(t, err)
	assert.True(t, changed, "deactivated modules can be reactivated")

	info, err := mm.Unload("keyring")
	require.NoError(t, err)
	assert.Equal(t, StateActivated, info.State, "snapshot keeps the state the module was unloaded from")
	assert.NotNil(t, info.ActivatedAt)
	assert.NotNil(t, info.DeactivatedAt)
	assert.Equal(t, StateUnregistered, mm.State("keyring"))
	assert.Equal(t, 0, mm.Len())
}

func TestModuleManager_RegisterErrors(t *testing.T) {
	t.Parallel()

	mm := NewModuleManager()
	original := newRecordingModule("dup")
	require.NoError(t, mm.Register(original))

	err := mm.Register(newRecordingModule("dup"))
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)
	found, ok := mm.Lookup("dup")
	require.True(t, ok)
	assert.Same(t, original, found)

	assert.ErrorIs(t, mm.Register(nil), ErrNilModule)
	assert.ErrorIs(t, mm.Register(newRecordingModule("")), ErrEmptyIdentifier)
}

func TestModuleManager_UnknownModule(t *testing.T) {
	t.Parallel()

	mm := NewModuleManager()

	_, err := mm.Activate("ghost")
	assert.ErrorIs(t, err, ErrUnknownModule)
	_, err = mm.Deactivate("ghost")
	assert.ErrorIs(t, err, ErrUnknownModule)
	_, err = mm.Unload("ghost")
	assert.ErrorIs(t, err, ErrUnknownModule)

	_, ok := mm.Lookup("ghost")
	assert.False(t, ok)
	_, ok = mm.Info("ghost")
	assert.False(t, ok)
}

func TestModuleManager_DeactivateRegisteredIsNoop(t *testing.T) {
	t.Parallel()

	mm := NewModuleManager()
	require.NoError(t, mm.Register(newRecordingModule("fresh")))

	changed, err := mm.Deactivate("fresh")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateRegistered, mm.State("fresh"))
}

func TestModuleManager_ListKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	mm := NewModuleManager()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, mm.Register(newRecordingModule(id)))
	}
	_, err := mm.Unload("a")
	require.NoError(t, err)
	require.NoError(t, mm.Register(newRecordingModule("a")))

	var ids []string
	for _, info := range mm.List() {
		ids = append(ids, info.Identifier)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestModuleState_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ModuleInfo{Identifier: "x", State: StateActivated})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"activated"`)
	assert.Equal(t, "ModuleState(42)", ModuleState(42).String())

	var decoded ModuleInfo
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StateActivated, decoded.State)

	var state ModuleState
	assert.Error(t, state.UnmarshalText([]byte("sleeping")))
}

func TestFunctionalModule(t *testing.T) {
	t.Parallel()

	called := ""
	m := NewFunctionalModule("fm",
		func(ctx context.Context, ev *Event) (*Event, error) {
			called = "exec:" + ev.Identifier()
			return nil, nil
		},
		ListeningTo("a"),
		HandlingEvent("b", func(ctx context.Context, ev *Event) (*Event, error) {
			called = "routed:" + ev.Identifier()
			return nil, nil
		}),
		OnChannel(3),
	)

	assert.Equal(t, "fm", m.Identifier())
	assert.Equal(t, []string{"a", "b"}, m.ListenEvents())
	assert.Contains(t, m.EventHandlers(), "b")
	channel, ok := m.Channel()
	assert.True(t, ok)
	assert.Equal(t, 3, channel)

	_, err := m.Exec(context.Background(), NewEvent("a", nil))
	require.NoError(t, err)
	assert.Equal(t, "exec:a", called)

	silent := NewFunctionalModule("silent", nil)
	result, err := silent.Exec(context.Background(), NewEvent("a", nil))
	assert.NoError(t, err)
	assert.Nil(t, result)
	_, ok = silent.Channel()
	assert.False(t, ok)
}
