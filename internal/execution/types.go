package execution

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/progresslog"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/pushtest"
)

// Result is what a stage of goal execution produced. Code 0 is success.
type Result struct {
	Code         int                 `json:"code"`
	Message      string              `json:"message,omitempty"`
	State        goals.State         `json:"state,omitempty"`
	Phase        string              `json:"phase,omitempty"`
	Description  string              `json:"description,omitempty"`
	ExternalURLs []goals.ExternalURL `json:"externalUrls,omitempty"`
	Data         string              `json:"data,omitempty"`
}

// Success returns an empty successful result.
func Success() *Result {
	return &Result{}
}

// Merge overlays o on r: Code always comes from o, other fields only when
// set. Neither input is modified.
func (r *Result) Merge(o *Result) *Result {
	out := Result{}
	if r != nil {
		out = *r
		out.ExternalURLs = append([]goals.ExternalURL(nil), r.ExternalURLs...)
	}
	if o == nil {
		return &out
	}
	out.Code = o.Code
	if o.Message != "" {
		out.Message = o.Message
	}
	if o.State != "" {
		out.State = o.State
	}
	if o.Phase != "" {
		out.Phase = o.Phase
	}
	if o.Description != "" {
		out.Description = o.Description
	}
	if len(o.ExternalURLs) > 0 {
		out.ExternalURLs = append([]goals.ExternalURL(nil), o.ExternalURLs...)
	}
	if o.Data != "" {
		out.Data = o.Data
	}
	return &out
}

// Invocation is everything an executor gets to work with.
type Invocation struct {
	Event *goals.GoalEvent
	Goal  *goals.Goal
	Push  goals.Push

	// Loader produces the project for the pushed commit. Project is set by
	// the pipeline when project listeners run around the executor.
	Loader  project.Loader
	Project project.Project

	Progress    progresslog.Log
	Credentials config.Secret

	WorkspaceID   string
	CorrelationID string
	// Channels are the chat or notification channels linked to the repo.
	Channels []string

	checkouts *checkouts
}

// ProjectParams returns load params for the event's commit.
func (inv *Invocation) ProjectParams() project.Params {
	return project.Params{
		Repo:        inv.Push.Repo,
		SHA:         inv.Event.SHA,
		Branch:      inv.Event.Branch,
		Credentials: inv.Credentials,
	}
}

// LoadProject returns the project prepared by the pipeline, or loads a
// writable checkout of the event's commit.
func (inv *Invocation) LoadProject(ctx context.Context) (project.Project, error) {
	if inv.Project != nil {
		return inv.Project, nil
	}
	if inv.Loader == nil {
		return nil, fmt.Errorf("no project loader for %s", inv.Push.Repo.Slug())
	}
	return inv.Loader.Load(ctx, inv.ProjectParams())
}

// Executor runs a goal implementation.
type Executor func(ctx context.Context, inv *Invocation) (*Result, error)

// Implementation is the executable part of a goal implementation.
type Implementation struct {
	Name     string   `validate:"required"`
	Executor Executor `validate:"required"`

	// LogInterpreter summarizes the progress log when the goal fails.
	LogInterpreter   progresslog.Interpreter
	ProgressReporter progresslog.ProgressReporter
	ProjectListeners []ProjectListener
}

// ProjectListenerEvent says when a project listener runs.
type ProjectListenerEvent string

const (
	BeforeAction ProjectListenerEvent = "before"
	AfterAction  ProjectListenerEvent = "after"
)

// ProjectListener runs against the goal's project around the executor.
type ProjectListener struct {
	Name string
	// PushTest restricts the listener to matching pushes. Nil matches all.
	PushTest pushtest.PushTest
	Events   []ProjectListenerEvent
	Listen   func(ctx context.Context, p project.Project, inv *Invocation, event ProjectListenerEvent) (*Result, error)
}

func (l ProjectListener) runsOn(event ProjectListenerEvent) bool {
	for _, e := range l.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Phase distinguishes listener calls before and after execution.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// ListenerInvocation is what a Listener sees.
type ListenerInvocation struct {
	Phase      Phase
	Event      *goals.GoalEvent
	Goal       *goals.Goal
	Result     *Result
	Err        error
	Invocation *Invocation
}

// Listener observes goal executions. Errors are logged and never affect
// the goal.
type Listener interface {
	Name() string
	OnGoal(ctx context.Context, li *ListenerInvocation) error
}

type listenerFunc struct {
	name string
	fn   func(ctx context.Context, li *ListenerInvocation) error
}

func (l listenerFunc) Name() string { return l.name }

func (l listenerFunc) OnGoal(ctx context.Context, li *ListenerInvocation) error {
	return l.fn(ctx, li)
}

// ListenerFunc builds a named Listener from fn.
func ListenerFunc(name string, fn func(ctx context.Context, li *ListenerInvocation) error) Listener {
	return listenerFunc{name: name, fn: fn}
}
