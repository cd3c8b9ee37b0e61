package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"relgraph/internal/config"
	"relgraph/internal/executor"
	"relgraph/internal/logging"
	"relgraph/internal/observability"
	"relgraph/internal/registry"
	"relgraph/internal/storage"
	"relgraph/internal/tlscert"
)

// App owns runtime resources for the relgraph server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	dsnPresent        bool

	meterProvider  *observability.MeterProvider
	graphqlMetrics *observability.GraphQLMetrics
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	registry *registry.Registry
	store    storage.Store
	executor *executor.Executor

	graphqlHandler http.Handler
	mux            *http.ServeMux
	handler        http.Handler

	serverAddr string
	srv        *http.Server
	tlsManager tlscert.Manager

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper. The database name is only resolved
// when the configured model source or storage backend needs a connection.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	app := &App{
		cfg:        cfg,
		logger:     logger,
		dsnPresent: strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}
	if cfg.UsesDatabase() {
		effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
		}
		app.effectiveDatabase = effectiveDatabase
	}
	return app, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}

// Registry returns the entity registry built by Init.
func (a *App) Registry() *registry.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.registry
}
