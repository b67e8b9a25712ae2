// Package gateway implements the client-facing HTTP API: auth, task
// submission/listing/cancellation, usage, and SSE event streaming, all
// translating into the same core operations the worker transport drives.
// Every request is authenticated (bearer JWT) and authorization is
// ownership-scoped: a client may only read or cancel tasks it owns.
//
// The router is echo-based: a middleware chain, handler methods on the
// single Server type, JSON in/out.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cuemby/marathon/pkg/apierr"
	"github.com/cuemby/marathon/pkg/auth"
	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metering"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/scheduler"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/cuemby/marathon/pkg/types"
)

// UserStore is the durable user-account side this gateway needs.
// Implemented by pkg/storage.DB.
type UserStore interface {
	CreateUser(ctx context.Context, u *types.User) error
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
}

// Server wires the core (store, scheduler, bus, metering, auth) to an
// echo.Echo router.
type Server struct {
	echo *echo.Echo

	store    *store.Store
	sched    *scheduler.Scheduler
	bus      *events.Bus
	metering *metering.Aggregator
	users    UserStore
	issuer   *auth.Issuer
}

// New builds a Server and registers its routes.
func New(st *store.Store, sched *scheduler.Scheduler, bus *events.Bus, met *metering.Aggregator, users UserStore, issuer *auth.Issuer) *Server {
	s := &Server{
		echo:     echo.New(),
		store:    st,
		sched:    sched,
		bus:      bus,
		metering: met,
		users:    users,
		issuer:   issuer,
	}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestMetrics)
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true, LogURI: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.WithComponent("gateway").Info().
				Str("method", v.Method).Str("uri", v.URI).
				Int("status", v.Status).Dur("latency", v.Latency).
				Msg("http request")
			return nil
		},
	}))

	s.echo.POST("/auth/register", s.handleRegister)
	s.echo.POST("/auth/login", s.handleLogin)

	authed := s.echo.Group("", s.requireAuth)
	authed.GET("/tasks", s.handleListTasks)
	authed.POST("/tasks", s.handleSubmitTask)
	authed.GET("/tasks/:id", s.handleGetTask)
	authed.DELETE("/tasks/:id", s.handleCancelTask)
	authed.GET("/tasks/:id/events", s.handleStreamEvents)
	authed.GET("/usage", s.handleUsage)

	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return s
}

// Start serves on address until ctx is cancelled.
func (s *Server) Start(ctx context.Context, address string) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}()
	if err := s.echo.Start(address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

const userIDContextKey = "marathon_user_id"

// requireAuth enforces a valid bearer token and stashes the caller's user_id
// in the echo context for downstream ownership checks.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return writeAPIErr(c, apierr.New(apierr.Unauthenticated, "missing bearer token"))
		}
		claims, err := s.issuer.Verify(token)
		if err != nil {
			return writeAPIErr(c, apierr.Wrap(apierr.Unauthenticated, "invalid token", err))
		}
		userID, err := id.Parse(claims.UserID)
		if err != nil {
			return writeAPIErr(c, apierr.Wrap(apierr.Unauthenticated, "malformed token subject", err))
		}
		c.Set(userIDContextKey, userID)
		return next(c)
	}
}

func callerID(c echo.Context) id.ID {
	userID, _ := c.Get(userIDContextKey).(id.ID)
	return userID
}

func (s *Server) requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := metrics.NewTimer()
		err := next(c)
		path := c.Path()
		status := c.Response().Status
		metrics.APIRequestsTotal.WithLabelValues(c.Request().Method, path, itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request().Method, path)
		return err
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// writeAPIErr translates an *apierr.Error into its HTTP status + JSON body.
func writeAPIErr(c echo.Context, err error) error {
	code := apierr.CodeOf(err)
	status := httpStatusFor(code)
	message := err.Error()
	if apiErr, ok := asAPIErr(err); ok {
		message = apiErr.Message
	}
	return c.JSON(status, echo.Map{"success": false, "code": string(code), "message": message})
}

func asAPIErr(err error) (*apierr.Error, bool) {
	apiErr, ok := err.(*apierr.Error)
	return apiErr, ok
}

func httpStatusFor(code apierr.Code) int {
	switch code {
	case apierr.InvalidArgument:
		return http.StatusBadRequest
	case apierr.Unauthenticated:
		return http.StatusUnauthorized
	case apierr.PermissionDenied:
		return http.StatusForbidden
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.StateConflict:
		return http.StatusConflict
	case apierr.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
