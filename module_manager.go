package modhub

import (
	"fmt"
	"time"
)

// ModuleState is the lifecycle state of a module registration.
type ModuleState int

const (
	// StateUnregistered is reported for identifiers not in the catalog.
	StateUnregistered ModuleState = iota
	// StateRegistered is the state right after registration.
	StateRegistered
	// StateActivated modules receive event dispatch.
	StateActivated
	// StateDeactivated modules keep their registration but receive nothing.
	StateDeactivated
	// StateUnloaded is terminal. The record leaves the catalog on unload, so
	// lookups report StateUnregistered afterwards.
	StateUnloaded
)

func (s ModuleState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateActivated:
		return "activated"
	case StateDeactivated:
		return "deactivated"
	case StateUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("ModuleState(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s ModuleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *ModuleState) UnmarshalText(text []byte) error {
	for state := StateUnregistered; state <= StateUnloaded; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown module state %q", text)
}

// ModuleInfo is a read-only snapshot of a module registration.
type ModuleInfo struct {
	Identifier    string      `json:"identifier"`
	State         ModuleState `json:"state"`
	Channel       int         `json:"channel"`
	Runner        string      `json:"runner,omitempty"`
	RegisteredAt  time.Time   `json:"registeredAt"`
	ActivatedAt   *time.Time  `json:"activatedAt,omitempty"`
	DeactivatedAt *time.Time  `json:"deactivatedAt,omitempty"`
}

// moduleRecord is the catalog entry. Cross references to runners go through
// the record, keyed by identifier, never from the module itself.
type moduleRecord struct {
	module        Module
	state         ModuleState
	channel       int
	runner        *TaskRunner
	registeredAt  time.Time
	activatedAt   *time.Time
	deactivatedAt *time.Time
}

func (r *moduleRecord) info() ModuleInfo {
	info := ModuleInfo{
		Identifier:    r.module.Identifier(),
		State:         r.state,
		Channel:       r.channel,
		RegisteredAt:  r.registeredAt,
		ActivatedAt:   r.activatedAt,
		DeactivatedAt: r.deactivatedAt,
	}
	if r.runner != nil {
		info.Runner = r.runner.Name()
	}
	return info
}

// ModuleManager is the catalog of known modules and their lifecycle state.
//
// ModuleManager is not safe for concurrent use on its own;
// GlobalModuleContext serialises every call under its registry lock.
type ModuleManager struct {
	records map[string]*moduleRecord
	order   []string
}

// NewModuleManager creates an empty catalog.
func NewModuleManager() *ModuleManager {
	return &ModuleManager{
		records: make(map[string]*moduleRecord),
	}
}

// Register adds a module in StateRegistered.
func (mm *ModuleManager) Register(module Module) error {
	if module == nil {
		return ErrNilModule
	}
	id := module.Identifier()
	if id == "" {
		return ErrEmptyIdentifier
	}
	if _, exists := mm.records[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
	}

	mm.records[id] = &moduleRecord{
		module:       module,
		state:        StateRegistered,
		registeredAt: time.Now(),
	}
	mm.order = append(mm.order, id)
	return nil
}

// Activate moves a Registered or Deactivated module to StateActivated.
// Activating an active module is a no-op. It reports whether the state changed.
func (mm *ModuleManager) Activate(id string) (bool, error) {
	rec, err := mm.record(id)
	if err != nil {
		return false, err
	}
	if rec.state == StateActivated {
		return false, nil
	}
	now := time.Now()
	rec.state = StateActivated
	rec.activatedAt = &now
	return true, nil
}

// Deactivate moves an Activated module to StateDeactivated. It is a no-op for
// modules that are not active. It reports whether the state changed.
func (mm *ModuleManager) Deactivate(id string) (bool, error) {
	rec, err := mm.record(id)
	if err != nil {
		return false, err
	}
	if rec.state != StateActivated {
		return false, nil
	}
	now := time.Now()
	rec.state = StateDeactivated
	rec.deactivatedAt = &now
	return true, nil
}

// Unload removes the module from the catalog and returns the snapshot taken
// just before removal, so State is the last live state. The identifier may be
// registered again afterwards.
func (mm *ModuleManager) Unload(id string) (ModuleInfo, error) {
	rec, err := mm.record(id)
	if err != nil {
		return ModuleInfo{}, err
	}
	info := rec.info()
	rec.state = StateUnloaded
	delete(mm.records, id)
	for i, name := range mm.order {
		if name == id {
			mm.order = append(mm.order[:i], mm.order[i+1:]...)
			break
		}
	}
	return info, nil
}

// State returns the module's state, StateUnregistered if unknown.
func (mm *ModuleManager) State(id string) ModuleState {
	if rec, ok := mm.records[id]; ok {
		return rec.state
	}
	return StateUnregistered
}

// Lookup returns the registered module.
func (mm *ModuleManager) Lookup(id string) (Module, bool) {
	rec, ok := mm.records[id]
	if !ok {
		return nil, false
	}
	return rec.module, true
}

// Info returns a snapshot of one registration.
func (mm *ModuleManager) Info(id string) (ModuleInfo, bool) {
	rec, ok := mm.records[id]
	if !ok {
		return ModuleInfo{}, false
	}
	return rec.info(), true
}

// List returns snapshots of all registrations in registration order.
func (mm *ModuleManager) List() []ModuleInfo {
	out := make([]ModuleInfo, 0, len(mm.order))
	for _, id := range mm.order {
		out = append(out, mm.records[id].info())
	}
	return out
}

// Len returns the number of registered modules.
func (mm *ModuleManager) Len() int {
	return len(mm.records)
}

func (mm *ModuleManager) record(id string) (*moduleRecord, error) {
	rec, ok := mm.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	return rec, nil
}
