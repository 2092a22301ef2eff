package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/Pratyay/agent-studio/a2a"
	"github.com/Pratyay/agent-studio/callbacks"
	"github.com/Pratyay/agent-studio/config"
	"github.com/Pratyay/agent-studio/discovery"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/listener"
	"github.com/Pratyay/agent-studio/llm"
	"github.com/Pratyay/agent-studio/llmagent"
	"github.com/Pratyay/agent-studio/loader"
	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/manifest"
	"github.com/Pratyay/agent-studio/ratelimit"
	"github.com/Pratyay/agent-studio/registry"
	"github.com/Pratyay/agent-studio/router"
	"github.com/Pratyay/agent-studio/shutdown"
	"github.com/Pratyay/agent-studio/store"
	"github.com/Pratyay/agent-studio/telemetry"
	"github.com/Pratyay/agent-studio/tools"
)

// app holds the wired components. Every component with resources is
// registered with the shutdown coordinator as it is built, so a failed
// boot can still release what was opened.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	coord  *shutdown.Coordinator

	telemetry *telemetry.Provider
	store     store.Store
	registry  *registry.Registry
	remotes   *a2a.Remotes
	loader    *loader.Loader
	index     *discovery.Index
	router    *router.Router
	tools     *tools.Registry
	listener  *listener.Listener
	cbRecords *callbacks.Registry
	reloader  *callbacks.Reloader
	watcher   *manifest.Watcher
	cron      *cron.Cron
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// builtinCatalog returns the builtin units this binary can run.
func builtinCatalog(cfg *config.Config) (*loader.Catalog, error) {
	creds, err := config.LoadCredentials(cfg.LLM.CredentialsFile)
	if err != nil {
		return nil, err
	}

	catalog := loader.NewCatalog()
	if err := catalog.Register("echo", loader.EchoFactory); err != nil {
		return nil, err
	}
	err = llmagent.Register(catalog, llmagent.WithProviderFactory(func(ctx context.Context, pc llm.Config) (llm.Provider, error) {
		if pc.APIKey == "" {
			pc.APIKey = creds.APIKey(pc.Provider)
		}
		return llm.New(ctx, pc)
	}))
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	base := store.DefaultConfig()
	if cfg.BufferSize > 0 {
		base.BufferSize = cfg.BufferSize
	}

	switch cfg.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("agentstudio"))
		if err != nil {
			return nil, nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "connecting to nats", errors.WithMetadata("url", cfg.NATSURL))
		}
		natsCfg := store.DefaultNATSConfig()
		natsCfg.Config = base
		natsCfg.Conn = nc
		if cfg.Bucket != "" {
			natsCfg.Bucket = cfg.Bucket
		}
		st, err := store.NewNATSStore(ctx, natsCfg)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return st, nc.Close, nil

	case "sqlite":
		sc := store.DefaultSQLiteConfig()
		sc.Config = base
		sc.Path = cfg.SQLitePath
		st, err := store.NewSQLiteStore(sc)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil

	default:
		return store.NewMemoryStore(base), func() {}, nil
	}
}

// buildApp wires every component. Nothing is started.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *app, err error) {
	a = &app{
		cfg:    cfg,
		logger: logger,
		coord:  shutdown.NewCoordinator(shutdown.Config{Timeout: 30 * time.Second, ContinueOnError: true, Logger: logger}),
	}
	defer func() {
		if err != nil {
			a.coord.ShutdownWithTimeout(10 * time.Second)
		}
	}()

	a.telemetry, err = telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		Debug:          cfg.Telemetry.Debug,
	})
	if err != nil {
		return a, errors.Wrap(err, "initializing telemetry")
	}
	a.coord.RegisterFunc("telemetry", shutdown.PhaseStorage, a.telemetry.Shutdown)
	tracer := a.telemetry.Tracer()

	st, closeConn, err := openStore(ctx, cfg.Store)
	if err != nil {
		return a, err
	}
	a.store = st
	a.coord.RegisterFunc("store", shutdown.PhaseStorage, func(context.Context) error {
		defer closeConn()
		return st.Close()
	})

	a.registry = registry.New(st, registry.WithLogger(logger))

	// Remote agents.
	client := a2a.DefaultClientInfo()
	if cfg.Remote.ClientName != "" {
		client.Name = cfg.Remote.ClientName
	}
	remoteRecords := registry.NewRemoteStore(st)
	corr := a2a.NewCorrelator(remoteRecords,
		a2a.WithDialer(a2a.TransportWebSocket, a2a.NewWebSocketDialer(client, logger)),
		a2a.WithDialer(a2a.TransportSSE, a2a.NewSSEDialer(client, logger)),
		a2a.WithTimeout(cfg.Remote.Timeout),
		a2a.WithLogger(logger),
		a2a.WithTracer(tracer),
	)
	a.coord.RegisterFunc("correlator", shutdown.PhaseRemote, func(context.Context) error {
		return corr.Close()
	})
	a.remotes = a2a.NewRemotes(remoteRecords, corr,
		a2a.WithCallTimeout(cfg.Remote.Timeout),
		a2a.WithRemotesLogger(logger),
	)

	// Module loader.
	opts := []loader.Option{loader.WithLogger(logger), loader.WithTracer(tracer)}
	if cfg.HostEnabled("builtin") {
		catalog, err := builtinCatalog(cfg)
		if err != nil {
			return a, err
		}
		opts = append(opts, loader.WithHost(loader.NewBuiltinHost(catalog)))
	}
	if cfg.HostEnabled("exec") {
		pc := loader.DefaultProcessConfig()
		pc.InitTimeout = cfg.Loader.InitTimeout
		pc.GracePeriod = cfg.Loader.GracePeriod
		opts = append(opts, loader.WithHost(loader.NewProcessHost(pc, logger, tracer)))
	}
	a.loader = loader.New(a.registry, opts...)
	a.coord.RegisterFunc("units", shutdown.PhaseModules, a.loader.UnloadAll)

	// Callbacks.
	cbRecords, cbCatalog, chains, err := buildCallbacks(ctx, cfg.Callbacks, st, logger)
	if err != nil {
		return a, err
	}

	// Discovery and routing.
	a.index, err = discovery.New(a.registry, logger)
	if err != nil {
		return a, err
	}
	a.coord.RegisterFunc("discovery", shutdown.PhaseStorage, func(context.Context) error {
		return a.index.Close()
	})
	a.router = router.New(a.registry, a.loader,
		router.WithMatcher(a.index.Matcher(router.KeywordMatcher{})),
		router.WithRemote(a.remotes),
		router.WithCallbacks(chains),
		router.WithLogger(logger),
		router.WithTracer(tracer),
	)
	a.cbRecords = cbRecords
	a.reloader = callbacks.NewReloader(st, cbRecords, cbCatalog, a.router.SetCallbacks, logger)

	a.tools = tools.NewRegistry(st, tools.WithLogger(logger))
	return a, nil
}

func buildCallbacks(ctx context.Context, cfg config.CallbacksConfig, st store.Store, logger *logging.Logger) (*callbacks.Registry, *callbacks.Catalog, callbacks.Chains, error) {
	deps := callbacks.Deps{
		Logger:  logger,
		Meter:   otel.Meter("agent-studio"),
		Limiter: ratelimit.New(ratelimit.Config{Limit: cfg.RateLimit, Window: cfg.RateWindow}),
	}
	if cfg.PolicyFile != "" {
		p, err := callbacks.LoadPolicy(ctx, cfg.PolicyFile)
		if err != nil {
			return nil, nil, callbacks.Chains{}, err
		}
		deps.Policy = p
	}
	catalog, _, err := callbacks.NewBuiltinCatalog(deps)
	if err != nil {
		return nil, nil, callbacks.Chains{}, err
	}

	records := callbacks.NewRegistry(st, logger)
	if cfg.Seed {
		n, err := records.SeedDefaults(ctx)
		if err != nil {
			return nil, nil, callbacks.Chains{}, err
		}
		if n > 0 {
			logger.Info("seeded default callbacks", map[string]interface{}{"count": n})
		}
	}
	recs, err := records.List(ctx)
	if err != nil {
		return nil, nil, callbacks.Chains{}, err
	}
	chains, err := callbacks.Build(recs, catalog, logger)
	if err != nil {
		logger.Warn("some callbacks were skipped", map[string]interface{}{"error": err})
	}
	return records, catalog, chains, nil
}

// start begins background work: change listener, callback reloads,
// manifest watcher, remote reconnects and tool refreshes.
func (a *app) start(ctx context.Context) error {
	if _, err := a.index.Rebuild(ctx); err != nil {
		return err
	}

	a.listener = listener.New(a.store, a.registry.Channel(), a.logger)
	a.loader.Attach(a.listener)
	a.index.Attach(a.listener)
	if err := a.listener.Start(ctx); err != nil {
		return err
	}
	a.coord.RegisterFunc("listener", shutdown.PhaseIntake, func(context.Context) error {
		return a.listener.Stop()
	})

	if err := a.reloader.Start(ctx); err != nil {
		return err
	}
	a.coord.RegisterFunc("callbacks", shutdown.PhaseIntake, func(context.Context) error {
		return a.reloader.Stop()
	})

	if dir := a.cfg.Manifests.Dir; dir != "" {
		a.watcher = manifest.NewWatcher(dir, a.registry,
			manifest.WithDebounce(a.cfg.Manifests.Debounce),
			manifest.WithLogger(a.logger),
		)
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
		a.coord.RegisterFunc("manifests", shutdown.PhaseIntake, func(context.Context) error {
			return a.watcher.Stop()
		})
	}

	for _, url := range a.cfg.Remote.Agents {
		if _, err := a.remotes.Add(ctx, url); err != nil {
			a.logger.Warn("adding remote agent failed", map[string]interface{}{"url": url, "error": err})
		}
	}
	n, err := a.remotes.ReconnectAll(ctx)
	if err != nil {
		a.logger.Warn("reconnecting remote agents failed", map[string]interface{}{"error": err})
	} else {
		a.logger.Info("remote agents connected", map[string]interface{}{"count": n})
	}
	if spec := a.cfg.Remote.ReconnectCron; spec != "" {
		if err := a.remotes.StartReconnects(spec); err != nil {
			return err
		}
		a.coord.RegisterFunc("reconnects", shutdown.PhaseIntake, func(context.Context) error {
			a.remotes.StopReconnects()
			return nil
		})
	}

	return a.startTools(ctx)
}

func (a *app) startTools(ctx context.Context) error {
	existing, err := a.tools.List(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]*tools.Record, len(existing))
	for _, rec := range existing {
		byName[rec.Name] = rec
	}
	for _, s := range a.cfg.Tools.Servers {
		rec := tools.Record{Name: s.Name, Description: s.Description, Endpoint: s.Endpoint}
		var got *tools.Record
		if old, ok := byName[s.Name]; ok {
			got, err = a.tools.Update(ctx, old.ID, rec)
		} else {
			got, err = a.tools.Register(ctx, rec)
		}
		if err != nil {
			a.logger.Warn("registering tool server failed", map[string]interface{}{"name": s.Name, "error": err})
			continue
		}
		a.logger.Info("tool server registered", map[string]interface{}{
			"name":    got.Name,
			"healthy": got.Healthy,
			"tools":   strings.Join(got.ToolNames(), ","),
		})
	}

	if a.cfg.Tools.RefreshInterval <= 0 {
		return nil
	}
	a.cron = cron.New()
	_, err = a.cron.AddFunc("@every "+a.cfg.Tools.RefreshInterval.String(), func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := a.tools.RefreshAll(rctx); err != nil {
			a.logger.Warn("refreshing tool servers failed", map[string]interface{}{"error": err})
		}
	})
	if err != nil {
		return errors.InvalidInput("bad tool refresh interval", errors.WithCause(err))
	}
	a.cron.Start()
	a.coord.RegisterFunc("tool-refresh", shutdown.PhaseIntake, func(context.Context) error {
		<-a.cron.Stop().Done()
		return nil
	})
	return nil
}
