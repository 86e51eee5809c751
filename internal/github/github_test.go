package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const sha = "0123456789abcdef0123456789abcdef01234567"

var fastRetry = &RetryConfig{
	MaxRetries:        2,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), config.Secret("test-token"), WithBaseURL(srv.URL), WithRetry(fastRetry))
	require.NoError(t, err)
	return c
}

func event() *goals.GoalEvent {
	return &goals.GoalEvent{
		UniqueName:  "deploy",
		GoalSetID:   "gs-1",
		Environment: goals.ProductionEnvironment,
		Name:        "deploy",
		SHA:         sha,
		Branch:      "main",
		Repo:        goals.Repo{Owner: "acme", Name: "app"},
		State:       goals.StateInProcess,
		Description: "Deploying",
		URL:         "https://logs.example.com/gs-1/deploy",
	}
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(context.Background(), config.Secret(""))
	assert.Error(t, err)
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 5}
	cfg.ApplyDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
}

func response(code int) *github.Response {
	return &github.Response{Response: &http.Response{StatusCode: code}}
}

func TestRetryOperation(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantCalls int
		wantErr   bool
	}{
		{name: "first attempt", codes: []int{200}, wantCalls: 1},
		{name: "recovers from server errors", codes: []int{502, 503, 200}, wantCalls: 3},
		{name: "rate limited", codes: []int{429, 200}, wantCalls: 2},
		{name: "not found is final", codes: []int{404}, wantCalls: 1, wantErr: true},
		{name: "unauthorized is final", codes: []int{401}, wantCalls: 1, wantErr: true},
		{name: "retries exhausted", codes: []int{500, 500, 500}, wantCalls: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := retryOperation(context.Background(), fastRetry, nil, func() (*github.Response, error) {
				code := tt.codes[calls]
				calls++
				if code >= 400 {
					return response(code), errors.New(http.StatusText(code))
				}
				return response(code), nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryOperation_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := &RetryConfig{MaxRetries: 3, InitialBackoff: time.Minute, MaxBackoff: time.Minute}
	_, err := retryOperation(ctx, cfg, nil, func() (*github.Response, error) {
		return response(500), errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable_SecondaryRateLimit(t *testing.T) {
	resp := response(http.StatusForbidden)
	assert.False(t, isRetryable(errors.New("forbidden"), resp))

	resp.Rate = github.Rate{Limit: 5000, Remaining: 0}
	assert.True(t, isRetryable(errors.New("forbidden"), resp))
	assert.True(t, isRateLimited(resp))

	assert.True(t, isRetryable(errors.New("connection reset"), nil))
}

func TestStatusState(t *testing.T) {
	tests := map[goals.State]string{
		goals.StateSuccess:            StatusSuccess,
		goals.StateFailure:            StatusFailure,
		goals.StatePlanned:            StatusPending,
		goals.StateRequested:          StatusPending,
		goals.StateInProcess:          StatusPending,
		goals.StateWaitingForApproval: StatusPending,
		goals.StateSkipped:            StatusPending,
	}
	for state, want := range tests {
		assert.Equal(t, want, StatusState(state), state)
	}
}

func TestStatusListener(t *testing.T) {
	var got []github.RepoStatus
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/repos/acme/app/statuses/"+sha, r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var s github.RepoStatus
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		got = append(got, s)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))

	goal := goals.MustGoal(goals.Definition{UniqueName: "deploy", Environment: goals.ProductionEnvironment})
	l := StatusListener{Client: c}
	ctx := context.Background()

	require.NoError(t, l.OnGoal(ctx, &execution.ListenerInvocation{
		Phase: execution.PhaseBefore, Event: event(), Goal: goal,
	}))
	require.NoError(t, l.OnGoal(ctx, &execution.ListenerInvocation{
		Phase:  execution.PhaseAfter,
		Event:  event(),
		Goal:   goal,
		Result: &execution.Result{Code: 1, State: goals.StateFailure},
		Err:    errors.New("exit 1"),
	}))

	require.Len(t, got, 2)
	assert.Equal(t, StatusPending, got[0].GetState())
	assert.Equal(t, "goalkeeper/prod/deploy", got[0].GetContext())
	assert.Equal(t, "Deploying", got[0].GetDescription())
	assert.Equal(t, "https://logs.example.com/gs-1/deploy", got[0].GetTargetURL())
	assert.Equal(t, StatusFailure, got[1].GetState())
	assert.Equal(t, goal.FailedDescription(), got[1].GetDescription())
}

func TestSetStatus_TruncatesDescription(t *testing.T) {
	var desc string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s github.RepoStatus
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		desc = s.GetDescription()
		w.WriteHeader(http.StatusCreated)
	}))
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, c.SetStatus(context.Background(), event(), goals.StateSuccess, string(long)))
	assert.Len(t, desc, maxDescription)
}

func TestCommentNotifier(t *testing.T) {
	var body string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/app/commits/"+sha+"/comments", r.URL.Path)
		var comment github.RepositoryComment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&comment))
		body = comment.GetBody()
		w.WriteHeader(http.StatusCreated)
	}))

	err := CommentNotifier{Client: c}.Report(context.Background(), execution.FailureReport{
		Event:     event(),
		Stage:     execution.StageGoal,
		ErrorText: "kubectl exited with code 1",
	})
	require.NoError(t, err)
	assert.Contains(t, body, "**deploy** failed")
	assert.Contains(t, body, "kubectl exited with code 1")
}

func TestCommentNotifier_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	err := CommentNotifier{Client: c}.Report(context.Background(), execution.FailureReport{Event: event()})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestContentsReader(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, sha, r.URL.Query().Get("ref"))
		switch r.URL.Path {
		case "/repos/acme/app/contents/pom.xml":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":     "file",
				"name":     "pom.xml",
				"path":     "pom.xml",
				"encoding": "base64",
				"content":  base64.StdEncoding.EncodeToString([]byte("<project/>")),
			})
		case "/repos/acme/app/contents/src":
			_, _ = w.Write([]byte(`[{"type":"file","name":"a.go","path":"src/a.go"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		}
	}))
	r := ContentsReader{Client: c}
	repo := goals.Repo{Owner: "acme", Name: "app"}
	ctx := context.Background()

	data, err := r.ReadFile(ctx, repo, sha, "pom.xml")
	require.NoError(t, err)
	assert.Equal(t, "<project/>", string(data))

	_, err = r.ReadFile(ctx, repo, sha, "build.gradle")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = r.ReadFile(ctx, repo, sha, "src")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPushFromEvent(t *testing.T) {
	ev := &github.PushEvent{
		Ref:    github.String("refs/heads/main"),
		Before: github.String("1111111111111111111111111111111111111111"),
		After:  github.String(sha),
		Repo: &github.PushEventRepository{
			ID:       github.Int64(42),
			Name:     github.String("app"),
			CloneURL: github.String("https://github.com/acme/app.git"),
			Owner:    &github.User{Login: github.String("acme")},
		},
		HeadCommit: &github.HeadCommit{ID: github.String(sha), Message: github.String("fix build")},
		Commits: []*github.HeadCommit{
			{ID: github.String(sha), Message: github.String("fix build")},
		},
	}
	push := PushFromEvent(ev)
	assert.Equal(t, goals.Push{
		Repo:    goals.Repo{Owner: "acme", Name: "app", ProviderID: "42", CloneURL: "https://github.com/acme/app.git"},
		SHA:     sha,
		Branch:  "main",
		Before:  "1111111111111111111111111111111111111111",
		After:   sha,
		Commits: []goals.Commit{{SHA: sha, Message: "fix build"}},
	}, push)
	assert.False(t, IsBranchDeletion(ev))

	ev.After = github.String("0000000000000000000000000000000000000000")
	assert.True(t, IsBranchDeletion(ev))
}

func TestClient_LogsRecovery(t *testing.T) {
	logger := logging.NewTestLogger()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), config.Secret("t"),
		WithBaseURL(srv.URL), WithRetry(fastRetry), WithLogger(logger.Logger))
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(context.Background(), event(), goals.StateSuccess, "done"))
	logger.AssertLogged(t, zapcore.InfoLevel, "GitHub API operation recovered after retries")
}

func TestStatusContext(t *testing.T) {
	e := &goals.GoalEvent{UniqueName: "build", Environment: goals.IndependentOfEnvironment}
	assert.Equal(t, "goalkeeper/code/build", StatusContext(DefaultStatusContext, e))
	assert.Equal(t, "acme-cd/code/build", StatusContext("acme-cd", e))

	c, err := NewClient(context.Background(), config.Secret("t"), WithStatusContext(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultStatusContext, c.statusContext)
}
