// Package daemon assembles a goalkeeper process from its configuration:
// store, event bus, goal definitions, execution pipeline and machine.
// cmd/goald and cmd/goal-worker share it so both execute goals the same
// way.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/goalkeeper/internal/autofix"
	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/events"
	"github.com/fyrsmithlabs/goalkeeper/internal/execution"
	ghclient "github.com/fyrsmithlabs/goalkeeper/internal/github"
	"github.com/fyrsmithlabs/goalkeeper/internal/goalfile"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/machine"
	"github.com/fyrsmithlabs/goalkeeper/internal/mapper"
	"github.com/fyrsmithlabs/goalkeeper/internal/planning"
	"github.com/fyrsmithlabs/goalkeeper/internal/preconditions"
	"github.com/fyrsmithlabs/goalkeeper/internal/project"
	"github.com/fyrsmithlabs/goalkeeper/internal/store"
	"github.com/fyrsmithlabs/goalkeeper/internal/telemetry"
	"github.com/fyrsmithlabs/goalkeeper/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"go.temporal.io/sdk/client"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MachineName identifies this process in goal provenance.
const MachineName = "goalkeeper"

// Daemon holds the wired components of a goalkeeper process.
type Daemon struct {
	Config     *config.Config
	Logger     *logging.Logger
	Telemetry  *telemetry.Telemetry
	Collectors *telemetry.Collectors
	Store      store.Store
	Registry   *mapper.Registry
	Hooks      *execution.ScriptHooks
	Machine    *machine.Machine
	// Temporal is nil unless temporal.enabled is set.
	Temporal client.Client

	subscriber events.Subscriber
	closers    []func() error
}

type options struct {
	registerer prometheus.Registerer
	temporal   client.Client
	dispatch   bool
}

type Option func(*options)

// WithRegisterer registers the Prometheus collectors on reg instead of
// prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTemporalClient uses c instead of dialing temporal.host_port.
func WithTemporalClient(c client.Client) Option {
	return func(o *options) { o.temporal = c }
}

// WithoutDispatch makes the machine fulfil requested goals itself even
// when Temporal is enabled. Workers use it: they are the executors.
func WithoutDispatch() Option {
	return func(o *options) { o.dispatch = false }
}

// New wires a daemon from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (_ *Daemon, err error) {
	o := &options{registerer: prometheus.DefaultRegisterer, dispatch: true}
	for _, opt := range opts {
		opt(o)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Goals.File == "" {
		return nil, errors.New("goals.file is required")
	}

	d := &Daemon{
		Config:     cfg,
		Logger:     logger,
		Collectors: telemetry.NewCollectors(o.registerer),
		Registry:   mapper.NewRegistry(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.Close())
		}
	}()

	telCfg, err := telemetry.FromConfig(cfg.Observability)
	if err != nil {
		return nil, err
	}
	d.Telemetry, err = telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}
	d.onClose(func() error { return d.Telemetry.Shutdown(context.Background()) })
	for _, reason := range d.Telemetry.Degraded() {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	defs, err := goalfile.Load(cfg.Goals.File)
	if err != nil {
		return nil, err
	}

	publisher, err := d.openEvents(ctx)
	if err != nil {
		return nil, err
	}

	base, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	d.onClose(base.Close)
	d.Store = store.NewPublishing(base, publisher, logger)

	metrics := telemetry.NewGoalMetrics(d.Telemetry.Meter(telemetry.InstrumentationName), logger.Underlying())
	if err := defs.Register(d.Registry, autofix.WithLogger(logger), autofix.WithMetrics(metrics)); err != nil {
		return nil, err
	}

	loader, listeners, notifier, err := d.openGitHub(ctx)
	if err != nil {
		return nil, err
	}

	d.Hooks = execution.NewScriptHooks(cfg.Hooks.Dir, loader, cfg.Hooks.Enabled, logger)
	pipeline := execution.NewPipeline(d.Store,
		execution.WithHooks(d.Hooks),
		execution.WithListeners(listeners...),
		execution.WithNotifier(notifier),
		execution.WithLogger(logger),
		execution.WithTracer(d.Telemetry.Tracer(telemetry.InstrumentationName)),
		execution.WithMetrics(metrics),
	)
	trigger := preconditions.NewTrigger(d.Store,
		preconditions.WithLogger(logger),
		preconditions.WithMetrics(metrics),
	)
	planner, err := planning.NewPlanner(defs.Rules, d.Registry, d.Store,
		planning.WithLogger(logger),
		planning.WithTrigger(trigger),
		planning.WithProjectLoader(loader, cfg.GitHub.Token),
	)
	if err != nil {
		return nil, err
	}

	reg := machine.Registration{
		Name:        MachineName,
		Store:       d.Store,
		Registry:    d.Registry,
		Planner:     planner,
		Pipeline:    pipeline,
		Trigger:     trigger,
		Loader:      loader,
		Credentials: cfg.GitHub.Token,
		WorkspaceID: cfg.Goals.WorkspaceID,
		Logger:      logger,
	}
	if cfg.Temporal.Enabled {
		d.Temporal = o.temporal
		if d.Temporal == nil {
			d.Temporal, err = client.Dial(client.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			})
			if err != nil {
				return nil, fmt.Errorf("unable to create Temporal client: %w", err)
			}
			c := d.Temporal
			d.onClose(func() error { c.Close(); return nil })
		}
		if o.dispatch {
			reg.Dispatcher = workflow.NewDispatcher(d.Temporal, cfg.Temporal.TaskQueue, 0, logger)
		}
	}

	d.Machine, err = machine.New(reg)
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "goalkeeper wired",
		zap.String("store", cfg.Store.Driver),
		zap.Int("goals", len(defs.Goals)),
		zap.Int("rules", len(defs.Rules)),
		zap.Int("implementations", len(d.Registry.Implementations())),
		zap.Bool("temporal", reg.Dispatcher != nil),
		zap.Bool("hooks", cfg.Hooks.Enabled),
	)
	return d, nil
}

// openEvents connects the event bus and returns the publisher every store
// write goes through.
func (d *Daemon) openEvents(ctx context.Context) (events.Publisher, error) {
	cfg := d.Config.Events
	url := cfg.NATSURL
	if cfg.EmbeddedNATS {
		srv, err := events.StartEmbedded("127.0.0.1", -1)
		if err != nil {
			return nil, err
		}
		d.onClose(func() error { srv.Shutdown(); return nil })
		url = srv.ClientURL()
		d.Logger.Info(ctx, "embedded NATS started", zap.String("url", url))
	}

	conn, err := events.Connect(url, d.Logger)
	if err != nil {
		return nil, err
	}
	d.onClose(func() error { conn.Close(); return nil })

	nats := events.NewNATSPublisher(conn, cfg.SubjectPrefix)
	d.onClose(nats.Close)
	d.subscriber = events.NewNATSSubscriber(conn, cfg.SubjectPrefix, "", d.Logger)

	publisher := events.Multi{nats, telemetry.TransitionCounter{Collectors: d.Collectors}}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Prefix:  cfg.SubjectPrefix,
		})
		if err != nil {
			return nil, err
		}
		d.onClose(kafka.Close)
		publisher = append(publisher, kafka)
	}
	return publisher, nil
}

// openGitHub builds the project loader plus the GitHub listeners. Without a
// token, projects are cloned anonymously and failures are only logged.
func (d *Daemon) openGitHub(ctx context.Context) (project.Loader, []execution.Listener, execution.Notifier, error) {
	cfg := d.Config.GitHub
	cloning := project.NewCloningLoader(cloneDir(d.Config.Goals), d.Logger)
	logNotifier := execution.LogNotifier{Logger: d.Logger}
	if !cfg.Token.IsSet() {
		d.Logger.Warn(ctx, "github.token not set, commit statuses and comments are disabled")
		return project.LazyLoader{Loader: cloning}, nil, logNotifier, nil
	}

	opts := []ghclient.Option{ghclient.WithLogger(d.Logger), ghclient.WithStatusContext(cfg.StatusContext)}
	if cfg.BaseURL != "" {
		opts = append(opts, ghclient.WithBaseURL(cfg.BaseURL))
	}
	gh, err := ghclient.NewClient(ctx, cfg.Token, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	loader := project.LazyLoader{Loader: cloning, Reader: ghclient.ContentsReader{Client: gh}}
	listeners := []execution.Listener{ghclient.StatusListener{Client: gh}}
	notifier := execution.MultiNotifier{logNotifier, ghclient.CommentNotifier{Client: gh}}
	return loader, listeners, notifier, nil
}

// cloneDir is where working copies go. Hooks run scripts from disk, so an
// unset clone_dir means a directory under the system temp dir rather than
// in-memory clones.
func cloneDir(cfg config.GoalsConfig) string {
	if cfg.CloneDir != "" {
		return cfg.CloneDir
	}
	return filepath.Join(os.TempDir(), "goalkeeper", "clones")
}

func (d *Daemon) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Run handles goal state changes from the bus until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	return d.Machine.Run(ctx, d.subscriber)
}

// WatchConfig applies runtime-reloadable settings whenever the config file
// at path changes. Only hooks.enabled is reloadable. It blocks until ctx is
// done.
func (d *Daemon) WatchConfig(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, func(cfg *config.Config) {
		if d.Hooks.Enabled() != cfg.Hooks.Enabled {
			d.Logger.Info(ctx, "hooks toggled", zap.Bool("enabled", cfg.Hooks.Enabled))
		}
		d.Hooks.SetEnabled(cfg.Hooks.Enabled)
	}, func(err error) {
		d.Logger.Warn(ctx, "config reload failed", zap.Error(err))
	})
	if err != nil {
		return err
	}
	w.Run(ctx)
	return nil
}

// Close releases everything New opened, most recent first.
func (d *Daemon) Close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}
