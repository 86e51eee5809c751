package http

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/fyrsmithlabs/goalkeeper/internal/goalfile"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/machine"
	"github.com/fyrsmithlabs/goalkeeper/internal/planning"
	"github.com/fyrsmithlabs/goalkeeper/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// GoalSetResponse is the response body for GET /api/v1/goalsets/:id.
type GoalSetResponse struct {
	ID    string             `json:"id"`
	Goals []*goals.GoalEvent `json:"goals"`
}

// CommitGoalsResponse is the response body for
// GET /api/v1/commits/:owner/:repo/:sha/goals.
type CommitGoalsResponse struct {
	SHA   string             `json:"sha"`
	Goals []*goals.GoalEvent `json:"goals"`
}

// GoalActionRequest identifies a goal and who acts on it.
type GoalActionRequest struct {
	GoalSetID string `json:"goal_set_id"`
	// Environment accepts "code", "staging", "prod" or a full environment.
	Environment string `json:"environment"`
	Name        string `json:"name"`
	SHA         string `json:"sha"`
	UserID      string `json:"user_id"`
	Channel     string `json:"channel,omitempty"`
}

func (s *Server) handleGoalSet(c echo.Context) error {
	id := c.Param("id")
	events, err := s.reader.ListSiblings(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, "list goal set", err)
	}
	if len(events) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "goal set not found")
	}
	sortEvents(events)
	return c.JSON(http.StatusOK, GoalSetResponse{ID: id, Goals: events})
}

func (s *Server) handleCommitGoals(c echo.Context) error {
	sha := c.Param("sha")
	events, err := s.reader.ListForCommit(c.Request().Context(), c.Param("owner"), c.Param("repo"), sha)
	if err != nil {
		return s.fail(c, "list commit goals", err)
	}
	sortEvents(events)
	if events == nil {
		events = []*goals.GoalEvent{}
	}
	return c.JSON(http.StatusOK, CommitGoalsResponse{SHA: sha, Goals: events})
}

func (s *Server) handleApprove(c echo.Context) error {
	return s.goalAction(c, "approve", s.machine.Approve)
}

func (s *Server) handleRetry(c echo.Context) error {
	return s.goalAction(c, "retry", s.machine.Retry)
}

type goalActionFunc func(ctx context.Context, key goals.EventKey, by goals.Provenance) (*goals.GoalEvent, error)

func (s *Server) goalAction(c echo.Context, op string, action goalActionFunc) error {
	var req GoalActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.GoalSetID == "" || req.Name == "" || req.SHA == "" || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal_set_id, name, sha and user_id are required")
	}
	env, err := goalfile.ParseEnvironment(req.Environment)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	key := goals.EventKey{GoalSetID: req.GoalSetID, Environment: env, Name: req.Name, SHA: req.SHA}
	event, err := action(c.Request().Context(), key, goals.Provenance{
		Name:    "goalkeeper-api",
		UserID:  req.UserID,
		Channel: req.Channel,
	})
	if err != nil {
		return s.fail(c, op, err)
	}
	return c.JSON(http.StatusOK, event)
}

func (s *Server) fail(c echo.Context, op string, err error) error {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), op+" failed", zap.Error(err))
		return echo.NewHTTPError(status, "internal error")
	}
	return echo.NewHTTPError(status, err.Error())
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, machine.ErrNotWaitingForApproval),
		errors.Is(err, machine.ErrRetryNotAllowed),
		errors.Is(err, goals.ErrInvalidTransition):
		return http.StatusConflict
	case planning.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sortEvents orders by goal set, then environment, then name.
func sortEvents(events []*goals.GoalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.GoalSetID != b.GoalSetID {
			return a.GoalSetID < b.GoalSetID
		}
		if a.Environment != b.Environment {
			return a.Environment < b.Environment
		}
		return a.UniqueName < b.UniqueName
	})
}
