package goals

import (
	"fmt"
	"time"
)

// Repo identifies a source repository.
type Repo struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	ProviderID string `json:"providerId,omitempty"`
	CloneURL   string `json:"cloneUrl,omitempty"`
}

func (r Repo) Slug() string {
	return r.Owner + "/" + r.Name
}

type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Push is the event that goals are planned for.
type Push struct {
	Repo    Repo     `json:"repo"`
	SHA     string   `json:"sha"`
	Branch  string   `json:"branch"`
	Before  string   `json:"before,omitempty"`
	After   string   `json:"after,omitempty"`
	Commits []Commit `json:"commits,omitempty"`
}

type ExternalURL struct {
	Label string `json:"label,omitempty"`
	URL   string `json:"url"`
}

// Fulfillment records which implementation runs the goal. It is fixed when
// the goal set is planned.
type Fulfillment struct {
	Method string `json:"method"`
	Name   string `json:"name"`
}

// Provenance is an audit entry of who changed a goal event.
type Provenance struct {
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// GoalEvent is the persisted instance of a goal for one push.
type GoalEvent struct {
	UniqueName  string      `json:"uniqueName"`
	GoalSetID   string      `json:"goalSetId"`
	GoalSet     string      `json:"goalSet"`
	Environment Environment `json:"environment"`
	Name        string      `json:"name"`
	SHA         string      `json:"sha"`
	Branch      string      `json:"branch"`
	Repo        Repo        `json:"repo"`

	State        State         `json:"state"`
	Description  string        `json:"description"`
	URL          string        `json:"url,omitempty"`
	ExternalURLs []ExternalURL `json:"externalUrls,omitempty"`
	Phase        string        `json:"phase,omitempty"`

	PreConditions    []Key        `json:"preConditions,omitempty"`
	Fulfillment      Fulfillment  `json:"fulfillment"`
	RetryFeasible    bool         `json:"retryFeasible"`
	ApprovalRequired bool         `json:"approvalRequired"`
	Approval         *Provenance  `json:"approval,omitempty"`
	Provenance       []Provenance `json:"provenance,omitempty"`
	Data             string       `json:"data,omitempty"`
	Error            string       `json:"error,omitempty"`
	Timestamp        time.Time    `json:"ts"`

	Push Push `json:"push"`
}

// Key identifies the event within its goal set.
func (e *GoalEvent) Key() Key {
	return Key{GoalSet: e.GoalSetID, Environment: e.Environment, Name: e.UniqueName}
}

func (e *GoalEvent) EventKey() EventKey {
	return EventKey{GoalSetID: e.GoalSetID, Environment: e.Environment, Name: e.UniqueName, SHA: e.SHA}
}

// HasPrecondition reports whether k is a direct precondition.
func (e *GoalEvent) HasPrecondition(k Key) bool {
	for _, p := range e.PreConditions {
		if p.Equal(k) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never hand out shared slices.
func (e *GoalEvent) Clone() *GoalEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.ExternalURLs = append([]ExternalURL(nil), e.ExternalURLs...)
	c.PreConditions = append([]Key(nil), e.PreConditions...)
	c.Provenance = append([]Provenance(nil), e.Provenance...)
	c.Push.Commits = append([]Commit(nil), e.Push.Commits...)
	if e.Approval != nil {
		a := *e.Approval
		c.Approval = &a
	}
	return &c
}

// Update is the write contract for a goal event. Empty fields keep the
// current value, except Error which is always replaced.
type Update struct {
	State        State         `json:"state"`
	Description  string        `json:"description,omitempty"`
	URL          string        `json:"url,omitempty"`
	ExternalURLs []ExternalURL `json:"externalUrls,omitempty"`
	Phase        string        `json:"phase,omitempty"`
	Data         string        `json:"data,omitempty"`
	Error        string        `json:"error,omitempty"`
	Approval     *Provenance   `json:"approval,omitempty"`
	Provenance   *Provenance   `json:"provenance,omitempty"`

	// Expect, when set, makes the update conditional: it applies only if
	// the event is currently in that state, otherwise ErrStateChanged.
	Expect State `json:"-"`
}

// Apply validates the transition and writes u onto e.
func (e *GoalEvent) Apply(u Update, now time.Time) error {
	if err := CheckTransition(e.State, u.State, e.RetryFeasible); err != nil {
		return err
	}
	if u.Expect != "" && e.State != u.Expect {
		return fmt.Errorf("%w: want %s, is %s", ErrStateChanged, u.Expect, e.State)
	}
	e.State = u.State
	if u.Description != "" {
		e.Description = u.Description
	}
	if u.URL != "" {
		e.URL = u.URL
	}
	if u.ExternalURLs != nil {
		e.ExternalURLs = append([]ExternalURL(nil), u.ExternalURLs...)
	}
	if u.Phase != "" {
		e.Phase = u.Phase
	}
	if u.Data != "" {
		e.Data = u.Data
	}
	e.Error = u.Error
	if u.Approval != nil {
		a := *u.Approval
		e.Approval = &a
	}
	if u.Provenance != nil {
		e.Provenance = append(e.Provenance, *u.Provenance)
	}
	e.Timestamp = now
	return nil
}
