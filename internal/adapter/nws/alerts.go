package nws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/geometry"
	"github.com/paulmach/orb/geojson"
)

// activeQuery narrows the feed to alerts the correlator could admit.
var activeQuery = url.Values{
	"status":       {"actual"},
	"message_type": {"alert,update,cancel"},
	"severity":     {"Extreme,Severe"},
	"urgency":      {"Immediate,Expected"},
	"certainty":    {"Observed,Likely"},
}

// FetchActive pulls the active alert feed. since is the Last-Modified value
// of the previous successful pull; a 304 answer yields NotModified.
func (c *Client) FetchActive(ctx context.Context, since string) (domain.FeedResult, error) {
	header := http.Header{}
	if since != "" {
		header.Set("If-Modified-Since", since)
	}

	res, err := c.get(ctx, collabFeed, "/alerts/active", activeQuery, header)
	if err != nil {
		return domain.FeedResult{}, fmt.Errorf("fetch active alerts: %w", err)
	}
	if res.status == http.StatusNotModified {
		return domain.FeedResult{NotModified: true, LastModified: since}, nil
	}

	var fc alertCollection
	if err := json.Unmarshal(res.body, &fc); err != nil {
		return domain.FeedResult{}, fmt.Errorf("decode alert feed: %w", err)
	}

	out := domain.FeedResult{
		Alerts:       make([]domain.Envelope, 0, len(fc.Features)),
		LastModified: res.header.Get("Last-Modified"),
	}
	for _, f := range fc.Features {
		out.Alerts = append(out.Alerts, f.envelope())
	}
	c.metrics.AlertsFetched.Add(float64(len(out.Alerts)))
	c.logger.Debug("alert feed pulled", "alerts", len(out.Alerts), "last_modified", out.LastModified)
	return out, nil
}

// LookupArea fetches the geometry of one affected zone. The feed's zone link
// is preferred; without one the county zone for the UGC code is requested.
func (c *Client) LookupArea(ctx context.Context, area domain.AreaDescriptor) (domain.CoverageArea, error) {
	path := localPath(area.ZoneURL)
	if path == "" && area.UGC != "" {
		path = "/zones/county/" + url.PathEscape(area.UGC)
	}
	if path == "" {
		return domain.CoverageArea{}, fmt.Errorf("zone %s: no UGC code or zone link: %w", area.SAME, domain.ErrGeometryUnavailable)
	}

	res, err := c.get(ctx, collabZone, path, nil, nil)
	if err != nil {
		return domain.CoverageArea{}, fmt.Errorf("zone %s: %w: %w", path, domain.ErrGeometryUnavailable, err)
	}

	var z zoneFeature
	if err := json.Unmarshal(res.body, &z); err != nil {
		return domain.CoverageArea{}, fmt.Errorf("decode zone %s: %w: %w", path, domain.ErrGeometryUnavailable, err)
	}
	if z.Geometry == nil {
		return domain.CoverageArea{}, fmt.Errorf("zone %s has no geometry: %w", path, domain.ErrGeometryUnavailable)
	}
	out := geometry.FromOrb(z.Geometry.Geometry())
	if out.IsEmpty() {
		return domain.CoverageArea{}, fmt.Errorf("zone %s has empty geometry: %w", path, domain.ErrGeometryUnavailable)
	}
	return out, nil
}

// Feed payload types.

type alertCollection struct {
	Features []alertFeature `json:"features"`
}

type alertFeature struct {
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties alertProperties   `json:"properties"`
}

type alertProperties struct {
	ID            string     `json:"id"`
	Sent          time.Time  `json:"sent"`
	Effective     time.Time  `json:"effective"`
	Ends          *time.Time `json:"ends"`
	Expires       *time.Time `json:"expires"`
	Status        string     `json:"status"`
	MessageType   string     `json:"messageType"`
	Severity      string     `json:"severity"`
	Urgency       string     `json:"urgency"`
	Certainty     string     `json:"certainty"`
	Headline      string     `json:"headline"`
	Description   string     `json:"description"`
	AffectedZones []string   `json:"affectedZones"`
	Geocode       struct {
		UGC  []string `json:"UGC"`
		SAME []string `json:"SAME"`
	} `json:"geocode"`
	EventCode struct {
		NWS  []string `json:"NationalWeatherService"`
		SAME []string `json:"SAME"`
	} `json:"eventCode"`
	Parameters struct {
		VTEC            []string `json:"VTEC"`
		EventEndingTime []string `json:"eventEndingTime"`
	} `json:"parameters"`
}

type zoneFeature struct {
	Geometry *geojson.Geometry `json:"geometry"`
}

func (f alertFeature) envelope() domain.Envelope {
	p := f.Properties
	env := domain.Envelope{
		ID:          p.ID,
		VTEC:        p.Parameters.VTEC,
		EventCode:   eventCode(p),
		MessageType: p.MessageType,
		Status:      p.Status,
		Severity:    p.Severity,
		Urgency:     p.Urgency,
		Certainty:   p.Certainty,
		Headline:    p.Headline,
		Description: p.Description,
		Sent:        p.Sent,
		Effective:   p.Effective,
		Ends:        endsOf(p),
		Areas:       areasOf(p),
	}
	if f.Geometry != nil {
		env.Geometry = geometry.FromOrb(f.Geometry.Geometry())
	}
	return env
}

func eventCode(p alertProperties) string {
	if len(p.EventCode.NWS) > 0 && p.EventCode.NWS[0] != "" {
		return strings.ToUpper(p.EventCode.NWS[0])
	}
	if len(p.EventCode.SAME) > 0 {
		return strings.ToUpper(p.EventCode.SAME[0])
	}
	return ""
}

// endsOf prefers the event ending time parameter, then ends, then expires.
func endsOf(p alertProperties) *time.Time {
	if len(p.Parameters.EventEndingTime) > 0 {
		if t, err := time.Parse(time.RFC3339, p.Parameters.EventEndingTime[0]); err == nil {
			return &t
		}
	}
	if p.Ends != nil {
		return p.Ends
	}
	return p.Expires
}

// areasOf pairs UGC and SAME codes by position and attaches the zone link
// that names each UGC code.
func areasOf(p alertProperties) []domain.AreaDescriptor {
	ugc, same := p.Geocode.UGC, p.Geocode.SAME
	n := max(len(ugc), len(same))
	areas := make([]domain.AreaDescriptor, 0, n)
	for i := range n {
		var a domain.AreaDescriptor
		if i < len(ugc) {
			a.UGC = ugc[i]
		}
		if i < len(same) {
			a.SAME = same[i]
		}
		if a.UGC != "" {
			for _, z := range p.AffectedZones {
				if strings.HasSuffix(z, "/"+a.UGC) {
					a.ZoneURL = z
					break
				}
			}
		}
		areas = append(areas, a)
	}
	return areas
}
