package echo

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/dto"
	apierrors "go.pilab.hu/sessionguard/errors"
	"go.pilab.hu/sessionguard/log"
)

// Revoker is the administrative override used by the API.
type Revoker interface {
	Revoke(ctx context.Context, actor, userID, reason string) (*domain.SessionRecord, error)
	Inspect(ctx context.Context, userID string) (*domain.SessionRecord, error)
}

// Sweeper runs stale-record cleanup on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
	Retention() time.Duration
}

// Pinger checks backend reachability for /healthz.
type Pinger func(ctx context.Context) error

const actorKey = "sessionguard.actor"

// AdminAPI exposes revocation, record lookup and cleanup over HTTP.
type AdminAPI struct {
	override Revoker
	sweeper  Sweeper
	ping     Pinger
	apiKeys  map[string]string
	gatherer prometheus.Gatherer
	logger   log.Logger
}

// Option configures AdminAPI.
type Option func(*AdminAPI)

// WithSweeper enables POST /api/v1/sweeps.
func WithSweeper(s Sweeper) Option { return func(a *AdminAPI) { a.sweeper = s } }

// WithPinger adds a store check to /healthz.
func WithPinger(p Pinger) Option { return func(a *AdminAPI) { a.ping = p } }

// WithGatherer sets the registry served on the metrics route.
func WithGatherer(g prometheus.Gatherer) Option { return func(a *AdminAPI) { a.gatherer = g } }

// NewAdminAPI creates the API. apiKeys maps accepted keys to actor names.
func NewAdminAPI(override Revoker, apiKeys map[string]string, logger log.Logger, opts ...Option) *AdminAPI {
	a := &AdminAPI{
		override: override,
		apiKeys:  apiKeys,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewServer builds an echo instance with all routes registered.
func (a *AdminAPI) NewServer(metricsPath string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(a.requestLogger)
	a.RegisterRoutes(e, metricsPath)
	return e
}

// RegisterRoutes registers the admin routes.
func (a *AdminAPI) RegisterRoutes(e *echo.Echo, metricsPath string) {
	e.GET("/healthz", a.HealthHandler)
	if metricsPath != "" {
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	}

	g := e.Group("/api/v1", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator:    a.validateKey,
		ErrorHandler: keyAuthError,
	}))
	g.GET("/sessions/:user_id", a.GetSessionHandler)
	g.POST("/sessions/:user_id/revoke", a.RevokeHandler)
	g.POST("/sweeps", a.SweepHandler)
}

func (a *AdminAPI) validateKey(key string, c echo.Context) (bool, error) {
	actor, ok := a.apiKeys[key]
	if !ok {
		return false, nil
	}
	c.Set(actorKey, actor)
	return true, nil
}

func keyAuthError(err error, c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, apierrors.NewUnauthorized("missing or invalid API key"))
}

func (a *AdminAPI) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		fields := log.Fields{
			"method":     req.Method,
			"path":       req.URL.Path,
			"status":     c.Response().Status,
			"latency":    time.Since(start).String(),
			"ip":         c.RealIP(),
			"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		}
		if err != nil {
			a.logger.Error(req.Context(), "HTTP request failed", err, fields)
		} else {
			a.logger.Debug(req.Context(), "HTTP request", fields)
		}
		return nil
	}
}

func (a *AdminAPI) fail(c echo.Context, err error) error {
	status, body := apierrors.FromDomain(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(c.Request().Context(), "Admin request failed", err, log.Fields{"path": c.Path()})
	}
	return c.JSON(status, body)
}

// HealthHandler reports liveness and, when configured, store reachability.
func (a *AdminAPI) HealthHandler(c echo.Context) error {
	if a.ping == nil {
		return c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := a.ping(ctx); err != nil {
		a.logger.Warn(ctx, "Store health check failed", log.Fields{"error": err.Error()})
		return c.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "degraded", Store: "unreachable"})
	}
	return c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", Store: "ok"})
}

// GetSessionHandler returns the user's current session record.
func (a *AdminAPI) GetSessionHandler(c echo.Context) error {
	rec, err := a.override.Inspect(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, dto.FromSessionRecord(rec))
}

// RevokeHandler forces the user's session into the terminated state.
func (a *AdminAPI) RevokeHandler(c echo.Context) error {
	var req dto.RevokeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apierrors.NewInvalidRequest("malformed request body"))
	}
	if strings.TrimSpace(req.Reason) == "" {
		return c.JSON(http.StatusBadRequest, apierrors.NewInvalidRequest("reason is required"))
	}

	actor, _ := c.Get(actorKey).(string)
	rec, err := a.override.Revoke(c.Request().Context(), actor, c.Param("user_id"), req.Reason)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, dto.FromSessionRecord(rec))
}

// SweepHandler runs one stale-record cleanup pass.
func (a *AdminAPI) SweepHandler(c echo.Context) error {
	if a.sweeper == nil {
		return c.JSON(http.StatusNotFound, apierrors.NewNotFound("cleanup is not enabled on this server"))
	}
	n, err := a.sweeper.Sweep(c.Request().Context())
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, dto.SweepResponse{Removed: n, Retention: a.sweeper.Retention()})
}
