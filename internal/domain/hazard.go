package domain

import "sort"

// HazardType is the NWS three-letter hazard code, e.g. "TOR".
type HazardType string

// Significance is the single-letter VTEC significance code.
type Significance string

const (
	SignificanceWarning   Significance = "W"
	SignificanceWatch     Significance = "A"
	SignificanceAdvisory  Significance = "Y"
	SignificanceStatement Significance = "S"
)

// Valid reports whether s is one of W, A, Y or S.
func (s Significance) Valid() bool {
	switch s {
	case SignificanceWarning, SignificanceWatch, SignificanceAdvisory, SignificanceStatement:
		return true
	}
	return false
}

// Kind distinguishes short-duration events from long-duration episodes.
type Kind string

const (
	KindEvent   Kind = "event"
	KindEpisode Kind = "episode"
)

type hazardInfo struct {
	phenomenon   string
	significance Significance
	name         string
}

// hazards is the admission whitelist. Warnings produce events and watches
// produce episodes.
var hazards = map[HazardType]hazardInfo{
	"BZW": {"BZ", SignificanceWarning, "Blizzard Warning"},
	"CFW": {"CF", SignificanceWarning, "Coastal Flood Warning"},
	"DSW": {"DS", SignificanceWarning, "Dust Storm Warning"},
	"ECW": {"EC", SignificanceWarning, "Extreme Cold Warning"},
	"EWW": {"EW", SignificanceWarning, "Extreme Wind Warning"},
	"FFW": {"FF", SignificanceWarning, "Flash Flood Warning"},
	"FLW": {"FL", SignificanceWarning, "Flood Warning"},
	"HUW": {"HU", SignificanceWarning, "Hurricane Warning"},
	"HWW": {"HW", SignificanceWarning, "High Wind Warning"},
	"ISW": {"IS", SignificanceWarning, "Ice Storm Warning"},
	"LEW": {"LE", SignificanceWarning, "Lake Effect Snow Warning"},
	"SMW": {"MA", SignificanceWarning, "Special Marine Warning"},
	"SQW": {"SQ", SignificanceWarning, "Snow Squall Warning"},
	"SSW": {"SS", SignificanceWarning, "Storm Surge Warning"},
	"SVR": {"SV", SignificanceWarning, "Severe Thunderstorm Warning"},
	"TOR": {"TO", SignificanceWarning, "Tornado Warning"},
	"TRW": {"TR", SignificanceWarning, "Tropical Storm Warning"},
	"TSW": {"TS", SignificanceWarning, "Tsunami Warning"},
	"WSW": {"WS", SignificanceWarning, "Winter Storm Warning"},

	"BZA": {"BZ", SignificanceWatch, "Blizzard Watch"},
	"FFA": {"FF", SignificanceWatch, "Flash Flood Watch"},
	"HUA": {"HU", SignificanceWatch, "Hurricane Watch"},
	"SVA": {"SV", SignificanceWatch, "Severe Thunderstorm Watch"},
	"TOA": {"TO", SignificanceWatch, "Tornado Watch"},
	"TRA": {"TR", SignificanceWatch, "Tropical Storm Watch"},
	"WSA": {"WS", SignificanceWatch, "Winter Storm Watch"},
}

// families groups phenomena whose events may belong to one episode.
// Phenomena not listed form a family of their own.
var families = map[string]string{
	"FL": "FF",
}

// HazardHighWind is validated against the wind threshold before admission.
const HazardHighWind HazardType = "HWW"

// Whitelisted reports whether h is admitted at all.
func (h HazardType) Whitelisted() bool {
	_, ok := hazards[h]
	return ok
}

// Name returns the human-readable product name.
func (h HazardType) Name() string {
	return hazards[h].name
}

// Tracking returns the VTEC phenomenon and significance the hazard is issued under.
func (h HazardType) Tracking() (string, Significance) {
	info := hazards[h]
	return info.phenomenon, info.significance
}

// Kind reports whether the hazard is tracked as an event or an episode.
func (h HazardType) Kind() Kind {
	if hazards[h].significance == SignificanceWatch {
		return KindEpisode
	}
	return KindEvent
}

// RecognizedPhenomenon reports whether p is issued by any whitelisted hazard.
func RecognizedPhenomenon(p string) bool {
	for _, info := range hazards {
		if info.phenomenon == p {
			return true
		}
	}
	return false
}

// Family returns the linking family of a phenomenon.
func Family(phenomenon string) string {
	if f, ok := families[phenomenon]; ok {
		return f
	}
	return phenomenon
}

// HazardTypes lists the whitelist in code order.
func HazardTypes() []HazardType {
	out := make([]HazardType, 0, len(hazards))
	for code := range hazards {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
