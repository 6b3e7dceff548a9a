package domain

import "errors"

// Failure classes reported per alert or report. Callers wrap these with
// fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrMalformedKey means the tracking code could not be turned into a Key.
	// The alert is dropped and not retried.
	ErrMalformedKey = errors.New("malformed key")

	// ErrUnclassifiedStatus means the status code is not one the lifecycle
	// understands. The alert is surfaced for review, never applied.
	ErrUnclassifiedStatus = errors.New("unclassified status")

	// ErrStaleReference means the alert targets a closed key.
	ErrStaleReference = errors.New("stale reference")

	// ErrGeometryUnavailable means a coverage area could not be resolved.
	// Linking is retried on the next cycle.
	ErrGeometryUnavailable = errors.New("geometry unavailable")

	// ErrOracleUnavailable means the reasoning service could not answer.
	// The affected item is deferred.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrRegistryConflict means two writers raced on one key. It is logged
	// and the last commit stands.
	ErrRegistryConflict = errors.New("registry conflict")

	// ErrNotFound is returned by registry lookups for unknown keys.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert names a key already tracked.
	ErrDuplicateKey = errors.New("duplicate key")
)
