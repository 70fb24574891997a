package database

import "errors"

var (
	// ErrNotFound is returned when a record does not exist or does not
	// belong to the requesting user.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyProcessed is returned when a status-guarded update matched
	// no rows: the record is already in a terminal state.
	ErrAlreadyProcessed = errors.New("record already processed")

	// ErrDuplicateJob is returned when an equivalent job is already
	// waiting or active for the same user and type.
	ErrDuplicateJob = errors.New("duplicate sync job")
)
