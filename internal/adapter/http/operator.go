package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/confirmation"
	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// Registry is the read side of the operator API.
type Registry interface {
	Event(key domain.Key) (*domain.Event, error)
	Episode(key domain.Key) (*domain.Episode, error)
	Events(activeOnly bool) []*domain.Event
	Episodes(activeOnly bool) []*domain.Episode
	CountByHazard(kind domain.Kind, activeOnly bool) map[domain.HazardType]int
}

// Lifecycle is the write side of the operator API.
type Lifecycle interface {
	Register(ctx context.Context, e domain.Entity) error
	Amend(ctx context.Context, key domain.Key, a engine.Amendment) (domain.Entity, error)
	Close(ctx context.Context, key domain.Key, at time.Time) error
	Confirm(ctx context.Context, key domain.Key) (*domain.Event, error)
}

// ReportPoller runs the confirmation workflow for one event on demand.
type ReportPoller interface {
	ConfirmEvent(ctx context.Context, key domain.Key) (confirmation.EventResult, error)
}

// Operator serves the /api routes.
type Operator struct {
	registry  Registry
	lifecycle Lifecycle
	reports   ReportPoller
	clock     clockwork.Clock
}

// NewOperator creates the operator API handlers.
func NewOperator(registry Registry, lifecycle Lifecycle, reports ReportPoller, clock clockwork.Clock) *Operator {
	return &Operator{registry: registry, lifecycle: lifecycle, reports: reports, clock: clock}
}

func (o *Operator) register(api *gin.RouterGroup) {
	events := api.Group("/events")
	{
		events.GET("", o.listEvents)
		events.GET("/counts", o.counts(domain.KindEvent))
		events.POST("", o.createEvent)
		events.GET("/:key", o.getEvent)
		events.PUT("/:key", o.amend(domain.KindEvent))
		events.POST("/:key/deactivate", o.deactivate(domain.KindEvent))
		events.POST("/:key/confirm", o.confirmEvent)
		events.POST("/:key/reports", o.pollReports)
		events.GET("/:key/episode", o.eventEpisode)
	}

	episodes := api.Group("/episodes")
	{
		episodes.GET("", o.listEpisodes)
		episodes.GET("/counts", o.counts(domain.KindEpisode))
		episodes.POST("", o.createEpisode)
		episodes.GET("/:key", o.getEpisode)
		episodes.PUT("/:key", o.amend(domain.KindEpisode))
		episodes.POST("/:key/deactivate", o.deactivate(domain.KindEpisode))
	}
}

// listEvents handles GET /api/events?active=true
func (o *Operator) listEvents(c *gin.Context) {
	active, ok := activeOnly(c)
	if !ok {
		return
	}
	events := o.registry.Events(active)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// listEpisodes handles GET /api/episodes?active=true
func (o *Operator) listEpisodes(c *gin.Context) {
	active, ok := activeOnly(c)
	if !ok {
		return
	}
	episodes := o.registry.Episodes(active)
	c.JSON(http.StatusOK, gin.H{
		"episodes": episodes,
		"count":    len(episodes),
	})
}

// counts handles GET /api/{events,episodes}/counts?active=true
func (o *Operator) counts(kind domain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, ok := activeOnly(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, o.registry.CountByHazard(kind, active))
	}
}

// getEvent handles GET /api/events/:key
func (o *Operator) getEvent(c *gin.Context) {
	key, ok := pathKey(c, domain.KindEvent)
	if !ok {
		return
	}
	ev, err := o.registry.Event(key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// getEpisode handles GET /api/episodes/:key
func (o *Operator) getEpisode(c *gin.Context) {
	key, ok := pathKey(c, domain.KindEpisode)
	if !ok {
		return
	}
	ep, err := o.registry.Episode(key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

// createEvent handles POST /api/events
func (o *Operator) createEvent(c *gin.Context) {
	var ev domain.Event
	if !bindEntity(c, &ev, &ev.Key, domain.KindEvent) {
		return
	}
	if err := o.lifecycle.Register(c.Request.Context(), &ev); err != nil {
		writeError(c, err)
		return
	}
	o.respondWith(c, http.StatusCreated, ev.Key, domain.KindEvent)
}

// createEpisode handles POST /api/episodes
func (o *Operator) createEpisode(c *gin.Context) {
	var ep domain.Episode
	if !bindEntity(c, &ep, &ep.Key, domain.KindEpisode) {
		return
	}
	if err := o.lifecycle.Register(c.Request.Context(), &ep); err != nil {
		writeError(c, err)
		return
	}
	o.respondWith(c, http.StatusCreated, ep.Key, domain.KindEpisode)
}

// amend handles PUT /api/{events,episodes}/:key
func (o *Operator) amend(kind domain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := pathKey(c, kind)
		if !ok {
			return
		}
		var a engine.Amendment
		if err := c.ShouldBindJSON(&a); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		e, err := o.lifecycle.Amend(c.Request.Context(), key, a)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

// deactivate handles POST /api/{events,episodes}/:key/deactivate
func (o *Operator) deactivate(kind domain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := pathKey(c, kind)
		if !ok {
			return
		}
		if err := o.lifecycle.Close(c.Request.Context(), key, o.clock.Now().UTC()); err != nil {
			writeError(c, err)
			return
		}
		o.respondWith(c, http.StatusOK, key, kind)
	}
}

// confirmEvent handles POST /api/events/:key/confirm
func (o *Operator) confirmEvent(c *gin.Context) {
	key, ok := pathKey(c, domain.KindEvent)
	if !ok {
		return
	}
	ev, err := o.lifecycle.Confirm(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// pollReports handles POST /api/events/:key/reports
func (o *Operator) pollReports(c *gin.Context) {
	key, ok := pathKey(c, domain.KindEvent)
	if !ok {
		return
	}
	res, err := o.reports.ConfirmEvent(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// eventEpisode handles GET /api/events/:key/episode
func (o *Operator) eventEpisode(c *gin.Context) {
	key, ok := pathKey(c, domain.KindEvent)
	if !ok {
		return
	}
	ev, err := o.registry.Event(key)
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"key": ev.Key, "has_episode": ev.EpisodeKey != nil}
	if ev.EpisodeKey != nil {
		body["episode_key"] = *ev.EpisodeKey
	}
	c.JSON(http.StatusOK, body)
}

func (o *Operator) respondWith(c *gin.Context, status int, key domain.Key, kind domain.Kind) {
	var (
		e   any
		err error
	)
	if kind == domain.KindEvent {
		e, err = o.registry.Event(key)
	} else {
		e, err = o.registry.Episode(key)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, e)
}

func activeOnly(c *gin.Context) (bool, bool) {
	raw := c.DefaultQuery("active", "false")
	active, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active must be a boolean"})
		return false, false
	}
	return active, true
}

// pathKey parses the :key parameter and checks it names the route's kind.
func pathKey(c *gin.Context, kind domain.Kind) (domain.Key, bool) {
	key, err := domain.ParseKey(c.Param("key"))
	if err != nil {
		writeError(c, err)
		return domain.Key{}, false
	}
	if key.Kind() != kind {
		c.JSON(http.StatusNotFound, gin.H{"error": "key " + key.String() + " is not an " + string(kind) + " key"})
		return domain.Key{}, false
	}
	return key, true
}

func bindEntity(c *gin.Context, dst any, key *domain.Key, kind domain.Kind) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	switch {
	case key.IsZero():
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return false
	case key.Kind() != kind:
		c.JSON(http.StatusBadRequest, gin.H{"error": "key " + key.String() + " is not an " + string(kind) + " key"})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStaleReference), errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMalformedKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
