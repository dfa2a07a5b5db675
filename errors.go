package modhub

import (
	"errors"
)

// Runtime errors
var (
	// Registry errors
	ErrDuplicateIdentifier = errors.New("module identifier already registered")
	ErrUnknownModule       = errors.New("unknown module")
	ErrModuleUnloaded      = errors.New("module is unloaded")
	ErrNilModule           = errors.New("module is nil")
	ErrEmptyIdentifier     = errors.New("module identifier is empty")
	ErrEmptyEventID        = errors.New("event identifier is empty")

	// DataObject errors
	ErrOutOfRange       = errors.New("data object index out of range")
	ErrTypeMismatch     = errors.New("data object value has unexpected type")
	ErrNullPayload      = errors.New("data object handle is nil")
	ErrMalformedPayload = errors.New("malformed event payload")

	// Event errors
	ErrChannelOutOfRange = errors.New("event channel does not fit the CloudEvents integer range")

	// Task runner errors
	ErrRunnerStopped   = errors.New("task runner is stopped")
	ErrShutdownTimeout = errors.New("shutdown timed out before queued work drained")
	ErrNilTask         = errors.New("task is nil")
	ErrOwnRunner       = errors.New("cannot wait on a task runner from one of its own tasks")

	// Context errors
	ErrContextClosed = errors.New("module context is shut down")
	ErrLoggerNotSet  = errors.New("logger is nil")
	ErrNilObserver   = errors.New("observer is nil")

	// Config errors
	ErrConfigNil                  = errors.New("config is nil")
	ErrConfigNotPointer           = errors.New("config must be a pointer")
	ErrConfigNotStruct            = errors.New("config must be a struct")
	ErrConfigRequiredFieldMissing = errors.New("required field is missing")
	ErrConfigValidationFailed     = errors.New("config validation failed")
	ErrUnsupportedTypeForDefault  = errors.New("unsupported type for default value")
	ErrDefaultValueParseError     = errors.New("failed to parse default value")
	ErrUnsupportedFormatType      = errors.New("unsupported format type")
	ErrConfigFeederError          = errors.New("config feeder error")
)
