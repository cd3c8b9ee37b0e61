package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"relgraph/internal/logging"
)

// Init acquires every runtime resource in dependency order: telemetry, the
// database, the registry and store, the GraphQL executor and finally the HTTP
// server. A failure releases whatever was acquired so far. Init is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	done := a.initialized
	a.stateMu.Unlock()
	if done {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cleanup cleanupStack
	ok := false
	defer func() {
		if !ok {
			_ = cleanup.run(context.Background(), a.logger)
			a.db, a.dbStatsReg = nil, nil
			a.meterProvider, a.graphqlMetrics, a.tracerProvider = nil, nil, nil
		}
	}()

	if err := a.initTelemetry(&cleanup); err != nil {
		return err
	}
	if err := a.initDatabase(ctx, &cleanup); err != nil {
		return err
	}

	reg, err := buildRegistry(ctx, a.cfg, a.logger, a.db, a.effectiveDatabase)
	if err != nil {
		return fmt.Errorf("failed to build entity registry: %w", err)
	}
	store, err := buildStore(a.cfg, a.logger, reg, a.db)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	exec, err := buildExecutor(a.cfg, a.logger, reg, store, a.graphqlMetrics)
	if err != nil {
		return fmt.Errorf("failed to build GraphQL schema: %w", err)
	}

	graphqlHandler := buildGraphQLHandler(a.cfg, a.logger, exec, a.graphqlMetrics)
	mux := buildRouter(a.cfg, a.logger, a.db, graphqlHandler, a.meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv, tlsManager, err := buildServer(a.cfg, a.logger, handler, addr)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push("HTTP server", srv.Shutdown)
	if tlsManager != nil {
		cleanup.push("TLS manager", func(context.Context) error { return tlsManager.Shutdown() })
	}

	a.stateMu.Lock()
	a.registry = reg
	a.store = store
	a.executor = exec
	a.graphqlHandler = graphqlHandler
	a.mux = mux
	a.handler = handler
	a.serverAddr = addr
	a.srv = srv
	a.tlsManager = tlsManager
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	ok = true
	return nil
}

// initTelemetry starts the metric and trace providers and registers the
// already attached logger provider for shutdown.
func (a *App) initTelemetry(cleanup *cleanupStack) error {
	if lp := a.loggerProvider; lp != nil {
		cleanup.push("logger provider", func(ctx context.Context) error {
			return lp.Shutdown(ctx, a.logger.Logger)
		})
	}

	meterProvider, graphqlMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(ctx context.Context) error {
			return meterProvider.Shutdown(ctx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(ctx context.Context) error {
			return tracerProvider.Shutdown(ctx, a.logger.Logger)
		})
	}

	a.meterProvider, a.graphqlMetrics, a.tracerProvider = meterProvider, graphqlMetrics, tracerProvider
	return nil
}

// initDatabase opens and verifies the pool when the model source or the
// storage backend needs one. It leaves a.db nil otherwise.
func (a *App) initDatabase(ctx context.Context, cleanup *cleanupStack) error {
	if !a.cfg.UsesDatabase() {
		return nil
	}
	a.logger.Info("connecting to database",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database_effective", a.effectiveDatabase),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, stats, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(context.Context) error { return closeDB(db, stats, a.logger) })

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase, a.dsnPresent); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}
	a.db, a.dbStatsReg = db, stats
	return nil
}

func closeDB(db *sql.DB, stats interface{ Unregister() error }, logger *logging.Logger) error {
	if stats != nil {
		if err := stats.Unregister(); err != nil {
			logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
		}
	}
	return db.Close()
}
