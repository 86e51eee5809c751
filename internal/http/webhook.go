package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	ghclient "github.com/fyrsmithlabs/goalkeeper/internal/github"
	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxPayload bounds webhook bodies.
const maxPayload = 1 << 20

// WebhookResponse is the response body for POST /webhook/github.
type WebhookResponse struct {
	Status    string `json:"status"`
	GoalSet   string `json:"goal_set,omitempty"`
	Goals     int    `json:"goals,omitempty"`
	Requested int    `json:"requested,omitempty"`
}

// ipLimiter keeps one token bucket per client IP. Buckets are dropped
// every hour so idle clients do not accumulate.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		limit:       rate.Limit(perSecond),
		burst:       burst,
		limiters:    map[string]*rate.Limiter{},
		lastCleanup: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastCleanup) > time.Hour {
		l.limiters = map[string]*rate.Limiter{}
		l.lastCleanup = time.Now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter.Allow()
}

func (s *Server) handleWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	eventType := github.WebHookType(c.Request())

	ip := c.RealIP()
	if !s.limiter.allow(ip) {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", ip))
		s.collectors.Webhook(eventType, "rate_limited")
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxPayload)
	payload, err := github.ValidatePayload(c.Request(), []byte(s.config.WebhookSecret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		s.collectors.Webhook(eventType, "unauthorized")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.String("type", eventType), zap.Error(err))
		s.collectors.Webhook(eventType, "invalid")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	switch e := event.(type) {
	case *github.PingEvent:
		s.collectors.Webhook(eventType, "ok")
		return c.JSON(http.StatusOK, WebhookResponse{Status: "pong"})
	case *github.PushEvent:
		return s.handlePush(c, e)
	default:
		s.logger.Debug(ctx, "ignoring event type", zap.String("type", fmt.Sprintf("%T", event)))
		s.collectors.Webhook(eventType, "ignored")
		return c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
	}
}

func (s *Server) handlePush(c echo.Context, e *github.PushEvent) error {
	ctx := c.Request().Context()
	if ghclient.IsBranchDeletion(e) {
		s.collectors.Webhook("push", "ignored")
		return c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
	}

	push := ghclient.PushFromEvent(e)
	start := time.Now()
	gs, err := s.machine.HandlePush(ctx, push)
	if err != nil {
		s.collectors.Planned("error", time.Since(start).Seconds())
		s.collectors.Webhook("push", "error")
		s.logger.Error(ctx, "failed to plan push",
			zap.String("repo", push.Repo.Slug()), zap.String("sha", push.SHA), zap.Error(err))
		return echo.NewHTTPError(errorStatus(err), err.Error())
	}
	s.collectors.Planned("ok", time.Since(start).Seconds())
	s.collectors.Webhook("push", "accepted")

	if gs == nil {
		return c.JSON(http.StatusOK, WebhookResponse{Status: "no goals"})
	}
	return c.JSON(http.StatusAccepted, WebhookResponse{
		Status:    "planned",
		GoalSet:   gs.ID,
		Goals:     len(gs.Events),
		Requested: len(gs.Requested),
	})
}
