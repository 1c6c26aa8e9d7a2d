package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/matheus3301/integrations/internal/adapters/facebook"
	"github.com/matheus3301/integrations/internal/adapters/gmail"
	"github.com/matheus3301/integrations/internal/adapters/nylas"
	"github.com/matheus3301/integrations/internal/adapters/smooch"
	"github.com/matheus3301/integrations/internal/adapters/telnyx"
	"github.com/matheus3301/integrations/internal/adapters/webhook"
	"github.com/matheus3301/integrations/internal/adapters/whatsapp"
	"github.com/matheus3301/integrations/internal/api"
	"github.com/matheus3301/integrations/internal/bus"
	"github.com/matheus3301/integrations/internal/channel"
	"github.com/matheus3301/integrations/internal/config"
	"github.com/matheus3301/integrations/internal/httpapi"
	"github.com/matheus3301/integrations/internal/instance"
	"github.com/matheus3301/integrations/internal/lifecycle"
	"github.com/matheus3301/integrations/internal/lock"
	"github.com/matheus3301/integrations/internal/logging"
	"github.com/matheus3301/integrations/internal/metrics"
	"github.com/matheus3301/integrations/internal/outbox"
	"github.com/matheus3301/integrations/internal/resolver"
	"github.com/matheus3301/integrations/internal/sor"
	"github.com/matheus3301/integrations/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the command-line inputs passed to the fx module.
type Params struct {
	Instance   string
	ConfigPath string
	EnvFile    string
	SocketPath string // optional override for testing; empty = use default

	// Config skips file and environment loading when set.
	Config *config.Config
	// Logger replaces the file logger when set.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			providePaths,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			providePrometheus,
			provideMetrics,
			provideSoR,
			provideResolver,
			provideRegistry,
			provideSender,
			provideRemover,
			provideAdminService,
			provideHTTPAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	path := p.ConfigPath
	if path == "" {
		path = instance.ConfigPath()
	}
	return config.Resolve(path, p.EnvFile)
}

func providePaths(p Params, cfg *config.Config) (instance.Paths, error) {
	name := instance.Resolve(p.Instance, cfg.Instance)
	if err := instance.ValidateName(name); err != nil {
		return instance.Paths{}, err
	}
	paths := instance.New(cfg.DataDir, name)
	return paths, paths.Ensure()
}

func provideLogger(p Params, cfg *config.Config, paths instance.Paths) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(paths.Log(), instance.Resolve(p.Instance, cfg.Instance), cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(paths instance.Paths, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", paths.Dir))
	l, err := lock.Acquire(paths.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore takes the lock as a dependency so the database is never
// opened by a second daemon.
func provideStore(paths instance.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DB()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func providePrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideSoR(cfg *config.Config, logger *zap.Logger) *sor.Client {
	return sor.NewClient(cfg.MainAPI.URL, cfg.MainAPI.Timeout.Duration, logger.Named("main_api"))
}

func provideResolver(cfg *config.Config, db *store.DB, client *sor.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(db, client, resolver.Options{
		PendingWait:  cfg.Resolver.PendingWait.Duration,
		PollInterval: cfg.Resolver.PollInterval.Duration,
	}, b, m, logger.Named("resolver"))
}

func provideRegistry(cfg *config.Config, db *store.DB, logger *zap.Logger) (*channel.Registry, error) {
	doer := channel.NewHTTPClient(cfg.Provider.Timeout.Duration, cfg.Provider.RPS, cfg.Provider.Burst)
	tokenClient := &http.Client{Timeout: cfg.Provider.Timeout.Duration}

	var adapters []*channel.Adapter
	for _, kind := range store.Kinds {
		if !cfg.Enabled(kind) {
			continue
		}
		switch kind {
		case store.KindFacebook:
			adapters = append(adapters, facebook.New(facebook.Config{
				GraphURL:    cfg.Facebook.GraphURL,
				VerifyToken: cfg.Facebook.VerifyToken,
				AppSecret:   cfg.Facebook.AppSecret,
			}, doer, logger))
		case store.KindGmail:
			adapters = append(adapters, gmail.New(gmail.Config{
				APIURL:       cfg.Gmail.APIURL,
				TokenURL:     cfg.Gmail.TokenURL,
				ClientID:     cfg.Gmail.ClientID,
				ClientSecret: cfg.Gmail.ClientSecret,
			}, doer, tokenClient, logger))
		case store.KindNylas:
			adapters = append(adapters, nylas.New(nylas.Config{
				APIURL:        cfg.Nylas.APIURL,
				TokenURL:      cfg.Nylas.TokenURL,
				ClientID:      cfg.Nylas.ClientID,
				ClientSecret:  cfg.Nylas.ClientSecret,
				WebhookSecret: cfg.Nylas.WebhookSecret,
			}, doer, tokenClient, logger))
		case store.KindSmooch:
			adapters = append(adapters, smooch.New(smooch.Config{APIURL: cfg.Smooch.APIURL}, doer, logger))
		case store.KindWhatsApp:
			adapters = append(adapters, whatsapp.New(whatsapp.Config{
				APIURL:       cfg.WhatsApp.APIURL,
				WebhookToken: cfg.WhatsApp.WebhookToken,
			}, doer, logger))
		case store.KindTelnyx:
			adapters = append(adapters, telnyx.New(telnyx.Config{
				APIURL:    cfg.Telnyx.APIURL,
				APIKey:    cfg.Telnyx.APIKey,
				PublicKey: cfg.Telnyx.PublicKey,
			}, doer, logger))
		case store.KindWebhook:
			a, err := webhook.New(db, doer, logger)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		}
	}

	reg, err := channel.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	logger.Info("channels enabled", zap.Any("kinds", reg.Kinds()))
	return reg, nil
}

func provideSender(db *store.DB, reg *channel.Registry, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, reg, b, m, logger.Named("outbox"))
}

func provideRemover(db *store.DB, reg *channel.Registry, b *bus.Bus, logger *zap.Logger) *lifecycle.Remover {
	return lifecycle.NewRemover(db, reg, b, logger.Named("lifecycle"))
}

func provideAdminService(db *store.DB, reg *channel.Registry, remover *lifecycle.Remover, b *bus.Bus, logger *zap.Logger) *api.AdminService {
	return api.NewAdminService(db, reg, remover, b, logger.Named("admin"))
}

func provideHTTPAPI(
	cfg *config.Config,
	db *store.DB,
	reg *channel.Registry,
	res *resolver.Resolver,
	sender *outbox.Sender,
	remover *lifecycle.Remover,
	b *bus.Bus,
	m *metrics.Metrics,
	promReg *prometheus.Registry,
	logger *zap.Logger,
) *http.Server {
	s := httpapi.New(httpapi.Deps{
		DB:       db,
		Registry: reg,
		Resolver: res,
		Sender:   sender,
		Remover:  remover,
		Bus:      b,
		Metrics:  m,
		Gatherer: promReg,
		Logger:   logger.Named("http"),
		MaxBody:  cfg.HTTP.MaxBody,
	})
	return &http.Server{Addr: cfg.HTTP.Addr, Handler: s.Routes()}
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, httpSrv *http.Server, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			ln, err := net.Listen("tcp", httpSrv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", httpSrv.Addr, err)
			}
			logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.Shutdown.Duration)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
