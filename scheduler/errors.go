package scheduler

import "errors"

// Scheduler errors
var (
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	ErrEntryNotFound   = errors.New("schedule entry not found")
	ErrEmptyEventID    = errors.New("scheduled event identifier is empty")
	ErrAlreadyStarted  = errors.New("scheduler already started")
	ErrNotStarted      = errors.New("scheduler not started")
)
