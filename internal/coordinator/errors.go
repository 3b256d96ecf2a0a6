package coordinator

import "errors"

var (
	// ErrInvalidSchedule is returned when the sweep schedule is not a valid cron spec
	ErrInvalidSchedule = errors.New("invalid sweep schedule")

	// ErrInvalidStaleAfter is returned when the staleness threshold is not positive
	ErrInvalidStaleAfter = errors.New("stale threshold must be positive")
)
