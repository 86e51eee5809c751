package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/goals"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const pipelineGoals = `
[[goal]]
name = "build"

[[goal]]
name = "verify"
depends_on = ["build"]

[[implementation]]
name = "check-readme"
goal = "build"
command = "sh"
args = ["-c", "test -f README.md"]

[[implementation]]
name = "check-sha"
goal = "verify"
command = "sh"
args = ["-c", "test -n \"$GOALKEEPER_SHA\""]

[[rule]]
name = "main"
goals = ["build", "verify"]
push_test = { branch = "main" }
`

func testConfig(t *testing.T, goalFile string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goals.toml")
	require.NoError(t, os.WriteFile(path, []byte(goalFile), 0600))

	cfg := config.NewDefaultConfig()
	cfg.Events.EmbeddedNATS = true
	cfg.Goals.File = path
	cfg.Goals.CloneDir = t.TempDir()
	return cfg
}

func TestNew_RunsPushToCompletion(t *testing.T) {
	tests := []struct {
		name  string
		setup func(cfg *config.Config)
	}{
		{name: "defaults", setup: func(*config.Config) {}},
		{
			// Hooks on, no hook scripts in the repo and no clone_dir set.
			name: "hooks enabled",
			setup: func(cfg *config.Config) {
				cfg.Hooks.Enabled = true
				cfg.Goals.CloneDir = ""
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := project.NewTestRemote(t, "main", nil)
			logger := logging.NewTestLogger()
			reg := prometheus.NewRegistry()
			cfg := testConfig(t, pipelineGoals)
			tt.setup(cfg)

			d, err := New(context.Background(), cfg, logger.Logger, WithRegisterer(reg))
			require.NoError(t, err)
			defer func() { assert.NoError(t, d.Close()) }()
			assert.Nil(t, d.Temporal)
			logger.AssertLogged(t, zapcore.InfoLevel, "goalkeeper wired")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = d.Run(ctx) }()
			time.Sleep(200 * time.Millisecond)

			gs, err := d.Machine.HandlePush(ctx, goals.Push{Repo: remote.Repo, SHA: remote.SHA, Branch: "main"})
			require.NoError(t, err)
			require.NotNil(t, gs)
			require.Len(t, gs.Events, 2)

			key := func(name string) goals.EventKey {
				return goals.EventKey{GoalSetID: gs.ID, Environment: goals.IndependentOfEnvironment, Name: name, SHA: remote.SHA}
			}
			require.Eventually(t, func() bool {
				e, err := d.Store.Get(ctx, key("verify"))
				return err == nil && e.State == goals.StateSuccess
			}, 20*time.Second, 50*time.Millisecond)

			build, err := d.Store.Get(ctx, key("build"))
			require.NoError(t, err)
			assert.Equal(t, goals.StateSuccess, build.State)

			assert.GreaterOrEqual(t, testutil.ToFloat64(d.Collectors.Transitions.WithLabelValues("success")), float64(2))
		})
	}
}

func TestCloneDir(t *testing.T) {
	assert.Equal(t, "/var/lib/goalkeeper", cloneDir(config.GoalsConfig{CloneDir: "/var/lib/goalkeeper"}))
	assert.Equal(t, filepath.Join(os.TempDir(), "goalkeeper", "clones"), cloneDir(config.GoalsConfig{}))
}

func TestNew_SkipsPushesNoRuleMatches(t *testing.T) {
	d, err := New(context.Background(), testConfig(t, pipelineGoals), nil, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer d.Close()

	gs, err := d.Machine.HandlePush(context.Background(), goals.Push{
		Repo:   goals.Repo{Owner: "acme", Name: "app"},
		SHA:    "abc",
		Branch: "feature/x",
	})
	require.NoError(t, err)
	assert.Nil(t, gs)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) *config.Config
		wantErr string
	}{
		{
			name: "no goal file",
			setup: func(t *testing.T) *config.Config {
				return config.NewDefaultConfig()
			},
			wantErr: "goals.file is required",
		},
		{
			name: "missing goal file",
			setup: func(t *testing.T) *config.Config {
				cfg := testConfig(t, pipelineGoals)
				cfg.Goals.File = filepath.Join(t.TempDir(), "nope.toml")
				return cfg
			},
			wantErr: "nope.toml",
		},
		{
			name: "invalid goal file",
			setup: func(t *testing.T) *config.Config {
				return testConfig(t, "[[rule]]\nname = \"r\"\ngoals = [\"missing\"]\n")
			},
			wantErr: "missing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(context.Background(), tt.setup(t), nil, WithRegisterer(prometheus.NewRegistry()))
			require.Error(t, err)
			assert.Nil(t, d)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClose_RunsInReverse(t *testing.T) {
	var order []int
	d := &Daemon{}
	for i := 1; i <= 3; i++ {
		i := i
		d.onClose(func() error { order = append(order, i); return nil })
	}
	require.NoError(t, d.Close())
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.NoError(t, d.Close())
	assert.Len(t, order, 3)
}
