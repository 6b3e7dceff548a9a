package domain

import (
	"fmt"
	"strings"
	"time"
)

// AreaDescriptor is one affected-area entry of an alert. UGC and SAME codes
// are paired by index in the feed.
type AreaDescriptor struct {
	UGC     string `json:"ugc,omitempty"`
	SAME    string `json:"same,omitempty"`
	ZoneURL string `json:"zone_url,omitempty"`
}

// Envelope is an alert as delivered by the hazard feed, before keying.
type Envelope struct {
	ID          string           `json:"id"`
	VTEC        []string         `json:"vtec"`
	EventCode   string           `json:"event_code"`
	MessageType string           `json:"message_type,omitempty"`
	Status      string           `json:"status"`
	Severity    string           `json:"severity"`
	Urgency     string           `json:"urgency"`
	Certainty   string           `json:"certainty"`
	Headline    string           `json:"headline,omitempty"`
	Description string           `json:"description,omitempty"`
	Sent        time.Time        `json:"sent"`
	Effective   time.Time        `json:"effective"`
	Ends        *time.Time       `json:"ends,omitempty"`
	Areas       []AreaDescriptor `json:"areas"`
	Geometry    CoverageArea     `json:"geometry"`
}

// FeedResult is one pull from the hazard feed.
type FeedResult struct {
	Alerts       []Envelope
	NotModified  bool
	LastModified string
}

// Alert is an admitted envelope with its canonical key derived.
type Alert struct {
	ID            string           `json:"id"`
	Key           Key              `json:"key"`
	Status        Status           `json:"status"`
	HazardType    HazardType       `json:"hazard_type"`
	References    []Key            `json:"references,omitempty"`
	Severity      string           `json:"severity,omitempty"`
	Certainty     string           `json:"certainty,omitempty"`
	Headline      string           `json:"headline,omitempty"`
	Description   string           `json:"description,omitempty"`
	SentAt        time.Time        `json:"sent_at"`
	Effective     time.Time        `json:"effective"`
	ExpectedClose *time.Time       `json:"expected_close,omitempty"`
	Areas         []AreaDescriptor `json:"areas,omitempty"`
	Locations     []Location       `json:"locations"`
}

// Observed reports whether the alert describes a hazard already seen.
func (a Alert) Observed() bool {
	return strings.EqualFold(a.Certainty, "Observed")
}

// FieldReport is a local storm report that may confirm an event.
type FieldReport struct {
	ID       string    `json:"id"`
	Office   string    `json:"office"`
	IssuedAt time.Time `json:"issued_at"`
	Text     string    `json:"text"`
}

var (
	admittedSeverity  = []string{"Extreme", "Severe"}
	admittedUrgency   = []string{"Immediate", "Expected"}
	admittedCertainty = []string{"Observed", "Likely"}
)

// AdmissionFailure explains why an envelope is filtered out, or returns ""
// when it is admitted.
func AdmissionFailure(env Envelope) string {
	switch {
	case !strings.EqualFold(env.Status, "actual"):
		return "status " + env.Status
	case !containsFold(admittedSeverity, env.Severity):
		return "severity " + env.Severity
	case !containsFold(admittedUrgency, env.Urgency):
		return "urgency " + env.Urgency
	case !containsFold(admittedCertainty, env.Certainty):
		return "certainty " + env.Certainty
	case !HazardType(strings.ToUpper(env.EventCode)).Whitelisted():
		return "hazard " + env.EventCode
	}
	return ""
}

// ParseAlert derives the canonical key and locations of an envelope.
//
// The primary tracking code is the first VTEC string issued under the alert's
// own hazard; every other VTEC string names a referenced prior key. The status
// is returned as found. Callers check it with ParseStatus.
func ParseAlert(env Envelope) (Alert, error) {
	hazard := HazardType(strings.ToUpper(env.EventCode))
	phen, sig := hazard.Tracking()

	var (
		primary  *VTEC
		refs     []Key
		firstErr error
	)
	for _, raw := range env.VTEC {
		v, err := ParseVTEC(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if primary == nil && v.Phenomenon == phen && v.Significance == sig {
			p := v
			primary = &p
			continue
		}
		k, err := v.Key()
		if err != nil {
			continue
		}
		refs = append(refs, k)
	}
	if primary == nil {
		if firstErr != nil {
			return Alert{}, firstErr
		}
		return Alert{}, fmt.Errorf("%w: no tracking code for hazard %q", ErrMalformedKey, env.EventCode)
	}

	key, err := primary.Key()
	if err != nil {
		return Alert{}, err
	}

	status, _ := ParseStatus(primary.Action)

	alert := Alert{
		ID:          env.ID,
		Key:         key,
		Status:      status,
		HazardType:  hazard,
		References:  dedupeRefs(refs, key),
		Severity:    env.Severity,
		Certainty:   env.Certainty,
		Headline:    env.Headline,
		Description: env.Description,
		SentAt:      env.Sent.UTC(),
		Effective:   env.Effective.UTC(),
		Areas:       append([]AreaDescriptor(nil), env.Areas...),
	}
	switch {
	case !primary.End.IsZero():
		end := primary.End
		alert.ExpectedClose = &end
	case env.Ends != nil:
		end := env.Ends.UTC()
		alert.ExpectedClose = &end
	}
	if alert.Effective.IsZero() {
		alert.Effective = alert.SentAt
	}

	alert.Locations = make([]Location, len(env.Areas))
	for i, area := range env.Areas {
		loc := Location{EventKey: key, UGC: area.UGC, SAME: area.SAME}
		loc.StateFIPS, loc.CountyFIPS = splitSAME(area.SAME)
		if !env.Geometry.IsEmpty() {
			loc.Area = env.Geometry.Clone()
		}
		alert.Locations[i] = loc
	}
	return alert, nil
}

// splitSAME splits a 6-digit SAME code (PSSCCC) into state and county FIPS.
func splitSAME(same string) (string, string) {
	if len(same) != 6 {
		return "", ""
	}
	return same[1:3], same[3:]
}

func dedupeRefs(refs []Key, self Key) []Key {
	var out []Key
	for _, r := range refs {
		if r == self || HasAlias(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
