package docingest

import "errors"

var (
	// ErrNotReplayable is returned when replaying a dead letter whose
	// failure would recur on the same content.
	ErrNotReplayable = errors.New("dead letter is not replayable")

	// ErrNotDeadLettered is returned when the job behind a dead letter is
	// no longer in the DeadLettered state.
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)
