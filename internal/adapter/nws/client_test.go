package nws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/observability"
	"github.com/couchcryptid/storm-alert-correlator/internal/retry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserAgent     = "(storm-alert-correlator-test, ops@example.com)"
	contentTypeGeo    = "application/geo+json"
	headerContentType = "Content-Type"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL, testUserAgent, 5*time.Second,
		retry.Policy{Attempts: 3, Initial: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		observability.NewMetricsForTesting(),
	)
}

const alertFeed = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "geometry": {"type": "Polygon", "coordinates": [[[-98, 35], [-97, 35], [-97, 36], [-98, 35]]]},
      "properties": {
        "id": "urn:oid:2.49.0.1.840.0.tor1",
        "sent": "2024-05-20T16:03:00-05:00",
        "effective": "2024-05-20T16:03:00-05:00",
        "ends": null,
        "expires": "2024-05-20T17:00:00-05:00",
        "status": "Actual",
        "messageType": "Alert",
        "severity": "Extreme",
        "urgency": "Immediate",
        "certainty": "Observed",
        "headline": "Tornado Warning issued May 20 at 4:03PM CDT",
        "description": "At 403 PM CDT, a confirmed tornado was located near Norman.",
        "affectedZones": [
          "https://api.weather.gov/zones/county/OKC027",
          "https://api.weather.gov/zones/county/OKC109"
        ],
        "geocode": {"UGC": ["OKC109", "OKC027"], "SAME": ["040109", "040027"]},
        "eventCode": {"SAME": ["TOR"], "NationalWeatherService": ["tor"]},
        "parameters": {
          "VTEC": ["/O.NEW.KOUN.TO.W.0015.240520T2103Z-240520T2200Z/"],
          "eventEndingTime": ["2024-05-20T17:00:00-05:00"],
          "maxHailSize": ["1.00"]
        }
      }
    },
    {
      "type": "Feature",
      "geometry": null,
      "properties": {
        "id": "urn:oid:2.49.0.1.840.0.toa1",
        "sent": "2024-05-20T15:00:00-05:00",
        "effective": "2024-05-20T15:00:00-05:00",
        "ends": "2024-05-20T22:00:00-05:00",
        "status": "Actual",
        "messageType": "Alert",
        "severity": "Extreme",
        "urgency": "Expected",
        "certainty": "Likely",
        "affectedZones": ["https://api.weather.gov/zones/county/OKC109"],
        "geocode": {"UGC": ["OKC109"], "SAME": ["040109", "040027"]},
        "eventCode": {"SAME": ["TOA"]},
        "parameters": {"VTEC": ["/O.NEW.KWNS.TO.A.0245.240520T2000Z-240521T0300Z/"]}
      }
    }
  ]
}`

func TestClient_FetchActive_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alerts/active", r.URL.Path)
		assert.Equal(t, testUserAgent, r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("If-Modified-Since"))
		q := r.URL.Query()
		assert.Equal(t, "actual", q.Get("status"))
		assert.Equal(t, "Extreme,Severe", q.Get("severity"))
		assert.Equal(t, "Observed,Likely", q.Get("certainty"))

		w.Header().Set(headerContentType, contentTypeGeo)
		w.Header().Set("Last-Modified", "Mon, 20 May 2024 21:04:00 GMT")
		_, _ = io.WriteString(w, alertFeed)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	res, err := c.FetchActive(context.Background(), "")
	require.NoError(t, err)

	assert.False(t, res.NotModified)
	assert.Equal(t, "Mon, 20 May 2024 21:04:00 GMT", res.LastModified)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.AlertsFetched))

	tor := res.Alerts[0]
	assert.Equal(t, "urn:oid:2.49.0.1.840.0.tor1", tor.ID)
	assert.Equal(t, "TOR", tor.EventCode, "code is upper-cased")
	assert.Equal(t, []string{"/O.NEW.KOUN.TO.W.0015.240520T2103Z-240520T2200Z/"}, tor.VTEC)
	assert.True(t, tor.Sent.Equal(time.Date(2024, 5, 20, 21, 3, 0, 0, time.UTC)))
	require.NotNil(t, tor.Ends)
	assert.True(t, tor.Ends.Equal(time.Date(2024, 5, 20, 22, 0, 0, 0, time.UTC)), "event ending time wins over expires")
	assert.Equal(t, []domain.AreaDescriptor{
		{UGC: "OKC109", SAME: "040109", ZoneURL: "https://api.weather.gov/zones/county/OKC109"},
		{UGC: "OKC027", SAME: "040027", ZoneURL: "https://api.weather.gov/zones/county/OKC027"},
	}, tor.Areas)
	require.Len(t, tor.Geometry.Rings, 1)
	assert.Equal(t, domain.Coordinate{Lat: 35, Lon: -98}, tor.Geometry.Rings[0][0])

	toa := res.Alerts[1]
	assert.Equal(t, "TOA", toa.EventCode, "falls back to the SAME event code")
	assert.True(t, toa.Geometry.IsEmpty())
	require.NotNil(t, toa.Ends)
	assert.True(t, toa.Ends.Equal(time.Date(2024, 5, 21, 3, 0, 0, 0, time.UTC)))
	require.Len(t, toa.Areas, 2)
	assert.Equal(t, domain.AreaDescriptor{SAME: "040027"}, toa.Areas[1], "unpaired SAME code has no zone")
}

func TestClient_FetchActive_AdmitsParsedAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, alertFeed)
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).FetchActive(context.Background(), "")
	require.NoError(t, err)

	env := res.Alerts[0]
	assert.Empty(t, domain.AdmissionFailure(env))
	a, err := domain.ParseAlert(env)
	require.NoError(t, err)
	assert.Equal(t, "KOUNTOW001524", a.Key.String())
	assert.Equal(t, "40", a.Locations[0].StateFIPS)
}

func TestClient_FetchActive_NotModified(t *testing.T) {
	const since = "Mon, 20 May 2024 21:04:00 GMT"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, since, r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	res, err := c.FetchActive(context.Background(), since)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, since, res.LastModified)
	assert.Empty(t, res.Alerts)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.CollaboratorRequests.WithLabelValues(collabFeed, "not_modified")))
}

func TestClient_FetchActive_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).FetchActive(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_FetchActive_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{"client error is not retried", http.StatusBadRequest, `{"title":"Bad Request"}`, 1},
		{"server error exhausts retries", http.StatusInternalServerError, "oops", 3},
		{"invalid JSON", http.StatusOK, "not json", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).FetchActive(context.Background(), "")
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_LookupArea(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/zones/forecast/OKZ025", "/zones/county/OKC109":
			w.Header().Set(headerContentType, contentTypeGeo)
			_, _ = io.WriteString(w, `{"type":"Feature","geometry":{"type":"MultiPolygon","coordinates":[[[[-98,35],[-97,35],[-97,36],[-98,35]]]]},"properties":{"id":"OKC109"}}`)
		case "/zones/county/OKC001":
			_, _ = io.WriteString(w, `{"type":"Feature","geometry":null,"properties":{"id":"OKC001"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := testClient(srv.URL)

	t.Run("zone link is followed on the configured host", func(t *testing.T) {
		area, err := c.LookupArea(context.Background(), domain.AreaDescriptor{
			UGC: "OKZ025", ZoneURL: "https://api.weather.gov/zones/forecast/OKZ025",
		})
		require.NoError(t, err)
		require.Len(t, area.Rings, 1)
	})

	t.Run("county fallback without a link", func(t *testing.T) {
		area, err := c.LookupArea(context.Background(), domain.AreaDescriptor{UGC: "OKC109"})
		require.NoError(t, err)
		assert.False(t, area.IsEmpty())
	})

	for _, desc := range []domain.AreaDescriptor{
		{UGC: "OKC001"},
		{UGC: "OKC999"},
		{SAME: "040109"},
	} {
		t.Run(fmt.Sprintf("unavailable %s%s", desc.UGC, desc.SAME), func(t *testing.T) {
			_, err := c.LookupArea(context.Background(), desc)
			require.ErrorIs(t, err, domain.ErrGeometryUnavailable)
		})
	}
}

func TestClient_Reports(t *testing.T) {
	since := time.Date(2024, 5, 20, 21, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testUserAgent, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/products/types/LSR/locations/OUN":
			_, _ = io.WriteString(w, `{"@graph":[
				{"id":"lsr-new","issuanceTime":"2024-05-20T21:30:00+00:00"},
				{"id":"lsr-old","issuanceTime":"2024-05-20T20:59:00+00:00"}
			]}`)
		case "/products/lsr-new":
			_, _ = io.WriteString(w, `{"id":"lsr-new","productText":"0425 PM TORNADO 3 N NORMAN"}`)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	reports, err := c.ListReports(context.Background(), "KOUN", since)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.FieldReport{
		ID:       "lsr-new",
		Office:   "KOUN",
		IssuedAt: time.Date(2024, 5, 20, 21, 30, 0, 0, time.UTC),
	}, reports[0])

	text, err := c.ReportText(context.Background(), "lsr-new")
	require.NoError(t, err)
	assert.Equal(t, "0425 PM TORNADO 3 N NORMAN", text)
}

func TestClient_ListReportsFetchesNoText(t *testing.T) {
	var texts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/products/types/LSR/locations/OUN" {
			_, _ = io.WriteString(w, `{"@graph":[
				{"id":"r1","issuanceTime":"2024-05-20T21:10:00+00:00"},
				{"id":"r2","issuanceTime":"2024-05-20T21:20:00+00:00"}
			]}`)
			return
		}
		texts.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	reports, err := testClient(srv.URL).ListReports(context.Background(), "KOUN", time.Time{})
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.Zero(t, texts.Load())
}

func TestClient_ReportTextFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ReportText(context.Background(), "r1")
	require.Error(t, err)
}

func TestClient_ReportsListingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ListReports(context.Background(), "KOUN", time.Time{})
	require.Error(t, err)
}

func TestProductLocation(t *testing.T) {
	assert.Equal(t, "OUN", productLocation("KOUN"))
	assert.Equal(t, "HFO", productLocation("PHFO"))
	assert.Equal(t, "OUN", productLocation("OUN"))
}
