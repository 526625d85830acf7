package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/resourcestore/internal/auth"
	"github.com/nainya/resourcestore/internal/config"
	"github.com/nainya/resourcestore/internal/events"
	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/internal/metrics"
	"github.com/nainya/resourcestore/internal/server"
	"github.com/nainya/resourcestore/pkg/batch"
	"github.com/nainya/resourcestore/pkg/schema"
	"github.com/nainya/resourcestore/pkg/store"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC, REST and observability servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			app := fx.New(
				fx.NopLogger,
				fx.Supply(cfg),
				fx.Provide(
					newLogger,
					newPromRegistry,
					newMetrics,
					newSchemaRegistry,
					newStore,
					newAuthService,
					newExecutor,
					newPublisher,
					newGrpcServer,
					newRESTServer,
					newObservabilityServer,
				),
				fx.Invoke(registerPublisher, registerServerHooks),
			)
			app.Run()
			return app.Err()
		},
	}
}

func newLogger(cfg config.Config) *logger.Logger {
	logger.InitGlobalLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	return logger.GetGlobalLogger()
}

func newPromRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.NewMetricsWith(reg)
}

// newSchemaRegistry layers the configured schema file and directory over
// the built-in types
func newSchemaRegistry(cfg config.Config) (schema.Registry, error) {
	static := schema.DefaultRegistry()
	if cfg.Schema.File != "" {
		schemas, err := schema.LoadFile(cfg.Schema.File)
		if err != nil {
			return nil, err
		}
		for _, s := range schemas {
			static.Register(s)
		}
	}

	if cfg.Schema.Dir == "" {
		return static, nil
	}
	return schema.NewCachingRegistry(schema.DirLoader(cfg.Schema.Dir, static.Lookup)), nil
}

func newStore(cfg config.Config, registry schema.Registry, m *metrics.Metrics, log *logger.Logger) *store.Store {
	return store.New(
		store.WithRegistry(registry),
		store.WithLogger(log),
		store.WithMetrics(m),
		store.WithSearchLimits(cfg.Store.DefaultSearchCount, cfg.Store.MaxSearchCount),
	)
}

func newAuthService(cfg config.Config, st *store.Store, log *logger.Logger) *auth.Service {
	return auth.NewService(st,
		auth.Config{
			RecaptchaSiteKey:   cfg.Auth.RecaptchaSiteKey,
			RecaptchaSecretKey: cfg.Auth.RecaptchaSecretKey,
		},
		auth.NewHTTPRecaptchaVerifier(),
		auth.NewRangeBreachChecker(),
		auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		log,
	)
}

func newExecutor(cfg config.Config, st *store.Store, authSvc *auth.Service, m *metrics.Metrics, log *logger.Logger) *batch.Executor {
	exec := batch.NewExecutor(st,
		batch.WithLogger(log),
		batch.WithMetrics(m),
		batch.WithBaseURL(cfg.Server.BaseURL),
	)
	exec.Mount("auth", authSvc)
	return exec
}

// newPublisher returns nil when change events are disabled
func newPublisher(cfg config.Config, m *metrics.Metrics, log *logger.Logger) (*events.Publisher, error) {
	if !cfg.Events.Enabled {
		return nil, nil
	}
	return events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, log, m)
}

func registerPublisher(lc fx.Lifecycle, st *store.Store, p *events.Publisher, log *logger.Logger) {
	if p == nil {
		return
	}
	st.OnChange(p.Listener())
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing change event publisher").Send()
			return p.Close()
		},
	})
}

func newGrpcServer(st *store.Store, exec *batch.Executor, cfg config.Config, m *metrics.Metrics, log *logger.Logger) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024),
		grpc.MaxSendMsgSize(100*1024*1024),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterResourceStoreServer(grpcServer, server.NewServer(st, exec, cfg.Server.BaseURL, log))
	reflection.Register(grpcServer)
	return grpcServer
}

func newRESTServer(cfg config.Config, st *store.Store, exec *batch.Executor, authSvc *auth.Service, m *metrics.Metrics, log *logger.Logger) *server.RESTServer {
	handlers := server.NewHandlers(st, exec, authSvc, cfg.Server.BaseURL)
	return server.NewRESTServer(cfg.Server.HTTPPort, server.NewRouter(handlers, m, log), log)
}

func newObservabilityServer(cfg config.Config, reg *prometheus.Registry, log *logger.Logger) *server.ObservabilityServer {
	return server.NewObservabilityServer(cfg.Server.ObservabilityPort, reg, log)
}

// registerServerHooks starts every listener on start and drains them on stop
func registerServerHooks(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg config.Config,
	grpcServer *grpc.Server,
	rest *server.RESTServer,
	obs *server.ObservabilityServer,
	m *metrics.Metrics,
	log *logger.Logger,
) {
	stopUptime := make(chan struct{})

	fail := func(name string, err error) {
		log.Error("Server failed").Str("server", name).Err(err).Send()
		_ = shutdowner.Shutdown(fx.ExitCode(1))
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.LogServerStart(cfg.Server.GrpcPort, cfg.Server.HTTPPort)

			// bind every port before reporting ready
			grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GrpcPort))
			if err != nil {
				return fmt.Errorf("failed to listen on gRPC port: %w", err)
			}
			restLis, err := rest.Listen()
			if err != nil {
				grpcLis.Close()
				return err
			}
			obsLis, err := obs.Listen()
			if err != nil {
				grpcLis.Close()
				restLis.Close()
				return err
			}

			go m.RunUptime(stopUptime)
			go func() {
				if err := obs.Serve(obsLis); err != nil {
					fail("observability", err)
				}
			}()
			go func() {
				if err := rest.Serve(restLis); err != nil {
					fail("rest", err)
				}
			}()
			go func() {
				if err := grpcServer.Serve(grpcLis); err != nil {
					fail("grpc", err)
				}
			}()

			log.LogServerReady("grpc", cfg.Server.GrpcPort)
			log.LogServerReady("rest", cfg.Server.HTTPPort)
			obs.SetReady(true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.LogServerShutdown()
			obs.SetReady(false)
			close(stopUptime)

			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			grpcServer.GracefulStop()
			if err := rest.Shutdown(shutdownCtx); err != nil {
				log.Warn("REST server forced to shutdown").Err(err).Send()
			}
			return obs.Shutdown(shutdownCtx)
		},
	})
}
