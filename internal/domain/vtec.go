package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// vtecRe matches a P-VTEC string, with or without the surrounding slashes.
var vtecRe = regexp.MustCompile(`^/?([OTEX])\.([A-Z]{3})\.([A-Z]{4})\.([A-Z]{2})\.([A-Z])\.(\d{4})\.(\d{6}T\d{4}Z)-(\d{6}T\d{4}Z)/?$`)

const (
	vtecTimeLayout = "060102T1504Z"
	vtecZeroTime   = "000000T0000Z"
)

// VTEC is a parsed P-VTEC tracking string.
type VTEC struct {
	Class        string
	Action       string
	Office       string
	Phenomenon   string
	Significance Significance
	ETN          int
	Begin        time.Time // zero when the product is already in effect
	End          time.Time // zero when the product has no set end
}

// ParseVTEC parses a P-VTEC string such as
// "/O.NEW.KOUN.TO.W.0015.240426T2203Z-240426T2300Z/".
func ParseVTEC(s string) (VTEC, error) {
	m := vtecRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return VTEC{}, fmt.Errorf("%w: unparseable vtec %q", ErrMalformedKey, s)
	}
	etn, err := strconv.Atoi(m[6])
	if err != nil {
		return VTEC{}, fmt.Errorf("%w: etn %q: %v", ErrMalformedKey, m[6], err)
	}
	begin, err := parseVTECTime(m[7])
	if err != nil {
		return VTEC{}, err
	}
	end, err := parseVTECTime(m[8])
	if err != nil {
		return VTEC{}, err
	}
	return VTEC{
		Class:        m[1],
		Action:       m[2],
		Office:       m[3],
		Phenomenon:   m[4],
		Significance: Significance(m[5]),
		ETN:          etn,
		Begin:        begin,
		End:          end,
	}, nil
}

// Year picks the ETN year: begin date, then end date, then the clock.
func (v VTEC) Year() int {
	switch {
	case !v.Begin.IsZero():
		return v.Begin.Year()
	case !v.End.IsZero():
		return v.End.Year()
	default:
		return clock.Now().UTC().Year()
	}
}

// Fields returns the tracking fields of the string, ready for KeyFromFields.
func (v VTEC) Fields() TrackingFields {
	return TrackingFields{
		Office:       v.Office,
		Phenomenon:   v.Phenomenon,
		Significance: string(v.Significance),
		Sequence:     strconv.Itoa(v.ETN),
		Year:         strconv.Itoa(v.Year()),
	}
}

// Key derives the canonical key.
func (v VTEC) Key() (Key, error) {
	return KeyFromFields(v.Fields())
}

func parseVTECTime(s string) (time.Time, error) {
	if s == vtecZeroTime {
		return time.Time{}, nil
	}
	t, err := time.Parse(vtecTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: vtec time %q: %v", ErrMalformedKey, s, err)
	}
	return t.UTC(), nil
}
