package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle status carried by an alert.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusContinue Status = "CONTINUE"
	StatusCorrect  Status = "CORRECT"
	StatusUpgrade  Status = "UPGRADE"
	StatusCancel   Status = "CANCEL"
	StatusExpire   Status = "EXPIRE"
)

// statusCodes maps both long names and VTEC action codes. Extensions in time
// or area are merges, the same as CON.
var statusCodes = map[string]Status{
	"NEW":      StatusNew,
	"CONTINUE": StatusContinue,
	"CON":      StatusContinue,
	"EXT":      StatusContinue,
	"EXA":      StatusContinue,
	"EXB":      StatusContinue,
	"CORRECT":  StatusCorrect,
	"COR":      StatusCorrect,
	"UPGRADE":  StatusUpgrade,
	"UPG":      StatusUpgrade,
	"CANCEL":   StatusCancel,
	"CAN":      StatusCancel,
	"EXPIRE":   StatusExpire,
	"EXP":      StatusExpire,
}

// ParseStatus normalizes a status code case-insensitively. Unknown codes are
// returned upper-cased together with ErrUnclassifiedStatus.
func ParseStatus(s string) (Status, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if st, ok := statusCodes[code]; ok {
		return st, nil
	}
	return Status(code), fmt.Errorf("%w: %q", ErrUnclassifiedStatus, s)
}

// Known reports whether s is one of the six lifecycle statuses.
func (s Status) Known() bool {
	switch s {
	case StatusNew, StatusContinue, StatusCorrect, StatusUpgrade, StatusCancel, StatusExpire:
		return true
	}
	return false
}

// Closes reports whether s ends the lifecycle.
func (s Status) Closes() bool {
	return s == StatusCancel || s == StatusExpire
}

// Replaces reports whether s swaps locations and fields wholesale.
func (s Status) Replaces() bool {
	return s == StatusCorrect || s == StatusUpgrade
}
