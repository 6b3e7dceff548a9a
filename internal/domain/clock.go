package domain

import "github.com/jonboulle/clockwork"

// clock supplies the fallback year for VTEC strings without usable dates.
// Tests freeze it via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used by VTEC parsing. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}
