// Package app assembles the process-wide collaborators once and hands them
// to the controller, the API server and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"sprintline/internal/agent"
	"sprintline/internal/completion"
	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/engine"
	"sprintline/internal/logging"
	"sprintline/internal/metrics"
	"sprintline/internal/migrate"
	"sprintline/internal/notify"
	"sprintline/internal/repo"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/sprintline.yml.
	ConfigPath string
	// Log replaces the logger built from the config.
	Log *zap.Logger
	// WithHandlers builds LLM role handlers from the agents config. Commands
	// that only read state leave it off so they need no provider keys.
	WithHandlers bool
}

// Context owns the store, loggers, metrics, notification sinks and role
// handlers for one process.
type Context struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	Roles     *logging.RoleLoggers
	Metrics   *metrics.Metrics
	DB        *sql.DB
	Repo      *repo.Repo
	Sink      notify.Sink
	Registry  *agent.Registry
	Engine    engine.Engine

	closers []func() error
}

// LoadConfig reads the config from path, or from the workspace when path
// is empty. A missing workspace config yields the defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

func Open(ctx context.Context, opts Options) (*Context, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c := &Context{Workspace: opts.Workspace, Config: cfg, Log: opts.Log}
	if c.Log == nil {
		c.Log, err = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { return logging.Sync(c.Log) })
	}
	c.Roles = logging.NewRoleLoggers(filepath.Join(opts.Workspace, db.WorkspaceDir, "logs"), c.Log)
	c.closers = append(c.closers, c.Roles.Close)
	c.Metrics = metrics.New()

	busy := int(cfg.Timeouts.Store.Milliseconds())
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMS: busy})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.DB = conn
	c.closers = append(c.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		c.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	c.Repo = repo.New(conn)

	sink, closers, err := BuildSink(cfg, c.Log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Sink = sink
	c.closers = append(c.closers, closers...)

	c.Registry = agent.NewRegistry()
	if opts.WithHandlers {
		personas := agent.DirPersonas{Dir: resolve(opts.Workspace, cfg.Personas.Dir)}
		if c.Registry, err = BuildRegistry(cfg, personas, c.Roles); err != nil {
			c.Close()
			return nil, err
		}
	}

	eng := engine.New(c.Repo, c.Registry, cfg)
	eng.Sink = c.Sink
	eng.Log = c.Log.Named("engine")
	eng.Roles = c.Roles
	eng.Metrics = c.Metrics
	c.Engine = eng
	return c, nil
}

// BuildSink fans notifications out to the log, NATS (when a url is set)
// and the configured webhooks.
func BuildSink(cfg *config.Config, log *zap.Logger) (notify.Sink, []func() error, error) {
	sinks := []notify.Sink{notify.LogSink{Log: log.Named("notify")}}
	var closers []func() error
	if url := strings.TrimSpace(cfg.Notifications.NATS.URL); url != "" {
		ns, err := notify.NewNATSSink(url, cfg.Notifications.NATS.SubjectPrefix, log.Named("nats"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, ns)
		closers = append(closers, func() error { ns.Close(); return nil })
	}
	if len(cfg.Notifications.Webhooks) > 0 {
		hooks := make([]notify.Webhook, 0, len(cfg.Notifications.Webhooks))
		for _, w := range cfg.Notifications.Webhooks {
			hooks = append(hooks, notify.Webhook{URL: w.URL, Kinds: w.Events, Secret: w.Secret, TimeoutSeconds: w.TimeoutSeconds, Enabled: w.Enabled})
		}
		sinks = append(sinks, notify.WebhookSink{Hooks: hooks, Log: log.Named("webhook")})
	}
	multi := &notify.Multi{Sinks: sinks}
	// Closers run in reverse, so deliveries drain before NATS disconnects.
	closers = append(closers, func() error { multi.Wait(); return nil })
	return multi, closers, nil
}

// BuildRegistry creates one LLM handler per configured role.
func BuildRegistry(cfg *config.Config, personas agent.PersonaLoader, roles *logging.RoleLoggers) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	for _, role := range agent.Roles {
		ac, ok := cfg.Agents[string(role)]
		if !ok {
			continue
		}
		pc := cfg.Providers[ac.Provider]
		client, err := completion.NewProvider(completion.ProviderOptions{
			Provider:          ac.Provider,
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			Model:             ac.Model,
			RequestsPerMinute: pc.RequestsPerMinute,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", role, err)
		}
		var log *zap.Logger
		if roles != nil {
			if log, err = roles.For(string(role)); err != nil {
				return nil, err
			}
		}
		reg.Register(role, &agent.LLMHandler{
			Role:     role,
			Client:   client,
			Personas: personas,
			Params:   completion.Params{Model: ac.Model, Temperature: ac.Temperature, MaxTokens: ac.MaxTokens},
			Stream:   ac.Stream,
			Log:      log,
		})
	}
	return reg, nil
}

// Close releases everything Open acquired, in reverse order.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
