package serverapp

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relgraph/internal/config"
	"relgraph/internal/dbexec"
	"relgraph/internal/executor"
	"relgraph/internal/filter"
	"relgraph/internal/introspection"
	"relgraph/internal/logging"
	"relgraph/internal/middleware"
	"relgraph/internal/naming"
	"relgraph/internal/observability"
	"relgraph/internal/registry"
	"relgraph/internal/resolver"
	"relgraph/internal/schemafilter"
	"relgraph/internal/storage"
	"relgraph/internal/storage/sqlstore"
	"relgraph/internal/tlscert"

	"github.com/XSAM/otelsql"
	"github.com/cenkalti/backoff/v5"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitLogger builds the process logger. With log export on, a second logger
// is built that also forwards records to the OTLP logger provider.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	obs := cfg.Observability
	loggerCfg := logging.Config{Level: obs.Logging.Level, Format: obs.Logging.Format}
	logger := setDefaultLogger(loggerCfg)
	if !obs.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	otlp := obs.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging", otlpAttrs(cfg, otlp)...)
	provider, err := observability.InitLoggerProvider(observabilityConfig(cfg, otlp))
	if err != nil {
		return nil, nil, err
	}
	loggerCfg.LoggerProvider = provider.Provider()
	return setDefaultLogger(loggerCfg), provider, nil
}

func setDefaultLogger(cfg logging.Config) *logging.Logger {
	logger := logging.NewLogger(cfg)
	slog.SetDefault(logger.Logger)
	return logger
}

// otlpAttrs describes an exporter for the startup log line.
func otlpAttrs(cfg *config.Config, otlp config.OTLPConfig) []any {
	obs := cfg.Observability
	attrs := []any{
		slog.String("service_name", obs.ServiceName),
		slog.String("service_version", obs.ServiceVersion),
		slog.String("environment", obs.Environment),
	}
	if otlp.Endpoint != "" {
		attrs = append(attrs,
			slog.String("otlp_endpoint", otlp.Endpoint),
			slog.String("otlp_protocol", otlp.Protocol),
			slog.Bool("insecure", otlp.Insecure),
		)
	}
	return attrs
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	obs := cfg.Observability
	return observability.Config{
		ServiceName:      obs.ServiceName,
		ServiceVersion:   obs.ServiceVersion,
		Environment:      obs.Environment,
		TraceSampleRatio: obs.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

// initMetrics sets up the Prometheus-backed meter provider. Metrics are
// scraped, never pushed, so no OTLP settings are passed.
func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.GraphQLMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}
	logger.Info("initializing OpenTelemetry metrics", otlpAttrs(cfg, config.OTLPConfig{})...)

	provider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return provider, metrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}
	otlp := cfg.Observability.GetTracesConfig()
	attrs := append(otlpAttrs(cfg, otlp), slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio))
	logger.Info("initializing OpenTelemetry tracing", attrs...)
	return observability.InitTracerProvider(observabilityConfig(cfg, otlp))
}

// connectDB opens the MySQL pool. With metrics or tracing on, the driver is
// wrapped by otelsql; the returned registration must be unregistered on
// shutdown when non-nil.
func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}
	dsn := cfg.Database.DSN()
	obs := cfg.Observability

	if !obs.MetricsEnabled && !obs.TracingEnabled {
		db, err := sql.Open("mysql", dsn)
		return db, nil, err
	}

	commenter := obs.SQLCommenterEnabled && obs.TracingEnabled
	if obs.SQLCommenterEnabled && !commenter {
		logger.Warn("observability.sqlcommenter_enabled needs tracing; SQL comments stay off")
	}
	opts := []otelsql.Option{
		otelsql.WithAttributes(semconv.DBSystemMySQL),
		otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		otelsql.WithSQLCommenter(commenter),
	}
	db, err := otelsql.Open("mysql", dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var stats interface{ Unregister() error }
	if obs.MetricsEnabled {
		stats, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", obs.MetricsEnabled),
		slog.Bool("tracing", obs.TracingEnabled),
		slog.Bool("sqlcommenter", commenter),
	)
	return db, stats, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string, dsnPresent bool) error {
	pool := cfg.Database.Pool
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database", effectiveDatabase),
		slog.Bool("dsn_present", dsnPresent),
		slog.Group("pool",
			slog.Int("max_open", pool.MaxOpen),
			slog.Int("max_idle", pool.MaxIdle),
			slog.Duration("max_lifetime", pool.MaxLifetime),
		),
	)
	return nil
}

const maxConnectRetryInterval = 30 * time.Second

// waitForDatabase pings with exponential backoff until the database answers
// or database.connection_timeout elapses. A zero timeout pings exactly once.
func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Database.ConnectionTimeout
	if timeout <= 0 {
		return db.PingContext(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cmp.Or(cfg.Database.ConnectionRetryInterval, time.Second)
	policy.MaxInterval = maxConnectRetryInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying",
				slog.Int("attempt", attempts),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("database not available after %v (%d attempts): %w", timeout, attempts, err)
	}
	if attempts > 1 {
		logger.Info("database connection established", slog.Int("attempts", attempts))
	}
	return nil
}

func newNamer(cfg *config.Config, logger *logging.Logger) *naming.Namer {
	return naming.New(cfg.Model.Naming(), logger.Logger)
}

// loadModel reads the entity model from the configured source: the
// database catalog, a YAML file, or the built-in news model.
func loadModel(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) (registry.Model, string, error) {
	switch {
	case cfg.Model.Source == config.ModelSourceDatabase:
		if db == nil {
			return registry.Model{}, "", fmt.Errorf("model source %q requires a database connection", cfg.Model.Source)
		}
		filters := cfg.Model.Filters
		model, err := introspection.IntrospectModel(ctx, db, effectiveDatabase, newNamer(cfg, logger), logger.Logger,
			func(schema *introspection.Schema) { schemafilter.Apply(schema, filters) })
		return model, "database:" + effectiveDatabase, err
	case strings.TrimSpace(cfg.Model.File) != "":
		model, err := registry.LoadModelFile(cfg.Model.File)
		return model, cfg.Model.File, err
	default:
		return registry.DefaultModel(), "builtin", nil
	}
}

// buildRegistry loads the entity model and validates it into a registry.
// Construction errors abort startup.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) (*registry.Registry, error) {
	model, source, err := loadModel(ctx, cfg, logger, db, effectiveDatabase)
	if err != nil {
		return nil, err
	}

	reg, err := BuildRegistry(cfg, logger, model)
	if err != nil {
		return nil, err
	}

	logger.Info("entity registry built",
		slog.String("model_source", source),
		slog.Int("entities", len(reg.All())),
	)
	return reg, nil
}

func buildStore(cfg *config.Config, logger *logging.Logger, reg *registry.Registry, db *sql.DB) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendMySQL:
		if db == nil {
			return nil, fmt.Errorf("storage backend %q requires a database connection", cfg.Storage.Backend)
		}
		queryExecutor := dbexec.NewLoggedExecutor(dbexec.NewStandardExecutor(db), cfg.Database.SlowQueryThreshold)
		logger.Info("using MySQL storage",
			slog.Int("max_in_clause", cfg.Storage.MaxInClause),
			slog.Duration("slow_query_threshold", cfg.Database.SlowQueryThreshold),
		)
		return sqlstore.New(queryExecutor, reg, sqlstore.WithMaxInClause(cfg.Storage.MaxInClause)), nil

	case config.StorageBackendMemory:
		if strings.TrimSpace(cfg.Storage.FixturesFile) == "" {
			logger.Warn("using in-memory storage without fixtures - every query returns no rows",
				slog.String("hint", "set storage.fixtures_file to seed the store"),
			)
			return storage.NewMemoryStore(reg), nil
		}
		store, err := storage.LoadFixturesFile(reg, cfg.Storage.FixturesFile)
		if err != nil {
			return nil, err
		}
		logger.Info("using in-memory storage", slog.String("fixtures_file", cfg.Storage.FixturesFile))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildCompiler wires filter operator fallbacks into the log and, when
// metrics are enabled, the fallback counter. Fallbacks found while a request
// compiles its filter argument log against that request.
func buildCompiler(cfg *config.Config, logger *logging.Logger, graphqlMetrics *observability.GraphQLMetrics) *filter.Compiler {
	return filter.NewCompiler(
		filter.WithStrictOperators(cfg.Filter.StrictOperators),
		filter.WithFallbackHook(func(ctx context.Context, e *filter.CompilationError) {
			logging.FromContextOr(ctx, logger).WarnContext(ctx, "filter operator fell back to eq",
				slog.String("entity", e.Entity),
				slog.String("field", e.Field),
				slog.String("operator", string(e.Operator)),
				slog.String("reason", e.Reason),
			)
			if graphqlMetrics != nil {
				graphqlMetrics.RecordFilterFallback(ctx, e.Entity, string(e.Operator))
			}
		}),
	)
}

func buildExecutor(cfg *config.Config, logger *logging.Logger, reg *registry.Registry, store storage.Store, graphqlMetrics *observability.GraphQLMetrics) (*executor.Executor, error) {
	res := resolver.New(reg, store, buildCompiler(cfg, logger, graphqlMetrics), resolver.Config{
		Namer: newNamer(cfg, logger),
	})
	schema, err := res.BuildGraphQLSchema()
	if err != nil {
		return nil, err
	}

	execCfg := executor.Config{
		Store:                store,
		MaxConcurrentFlushes: cfg.Loader.MaxConcurrentFlushes,
		Timeout:              cfg.Server.RequestTimeout,
		MaxDepth:             cfg.Server.GraphQLMaxDepth,
		MaxBodyBytes:         cfg.Server.GraphQLMaxBodyBytes,
		GraphiQL:             cfg.Server.GraphiQLEnabled,
	}
	if graphqlMetrics != nil {
		execCfg.Recorder = graphqlMetrics
	}
	return executor.New(schema, execCfg), nil
}

// buildGraphQLHandler assembles the /graphql chain:
//
//	request -> logging -> analysis -> metrics -> tracing -> executor
func buildGraphQLHandler(cfg *config.Config, logger *logging.Logger, exec http.Handler, graphqlMetrics *observability.GraphQLMetrics) http.Handler {
	handler := middleware.GraphQLTracingMiddleware()(exec)

	if cfg.Observability.MetricsEnabled && graphqlMetrics != nil {
		handler = middleware.GraphQLMetricsMiddleware(graphqlMetrics)(handler)
		logger.Info("GraphQL metrics middleware enabled")
	}

	handler = middleware.GraphQLRequestAnalysisMiddleware(cfg.Server.GraphQLMaxBodyBytes)(handler)
	return middleware.LoggingMiddleware(logger)(handler)
}

// pinger is the health-check view of *sql.DB.
type pinger interface {
	PingContext(ctx context.Context) error
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, graphqlHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/graphql", graphqlHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/graphql", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})

	var check pinger
	if db != nil {
		check = db
	}
	mux.HandleFunc("/health", healthHandler(check, cfg.Server.HealthCheckTimeout))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return mux
}

// wrapHTTPHandler applies the outer HTTP layers, outermost first: rate limit,
// CORS, otelhttp.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	server, obs := cfg.Server, cfg.Observability
	if obs.MetricsEnabled || obs.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return httpRootSpanName(r) }),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	cors := middleware.CORSConfig{
		Enabled:          server.CORSEnabled,
		AllowedOrigins:   server.CORSAllowedOrigins,
		AllowedMethods:   server.CORSAllowedMethods,
		AllowedHeaders:   server.CORSAllowedHeaders,
		ExposeHeaders:    server.CORSExposeHeaders,
		AllowCredentials: server.CORSAllowCredentials,
		MaxAge:           server.CORSMaxAge,
	}
	limit := middleware.RateLimitConfig{
		Enabled: server.RateLimitEnabled,
		RPS:     server.RateLimitRPS,
		Burst:   server.RateLimitBurst,
	}
	return middleware.RateLimitMiddleware(limit)(middleware.CORSMiddleware(cors)(handler))
}

// httpRootSpanName names the root span "<METHOD> <route>".
func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/", "/graphql", "/health", "/metrics":
		return rawPath
	default:
		return "/*"
	}
}

func tlsEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
}

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, tlscert.Manager, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !tlsEnabled(cfg) {
		return srv, nil, nil
	}

	tlsManager, err := tlscert.NewManager(tlscert.Config{
		Mode:        tlscert.CertMode(cfg.Server.TLSMode),
		CertFile:    cfg.Server.TLSCertFile,
		KeyFile:     cfg.Server.TLSKeyFile,
		AutoCertDir: cfg.Server.TLSAutoCertDir,
		AutoHosts:   tlscert.DefaultHosts,
	}, logger.Logger)
	if err != nil {
		return nil, nil, err
	}

	srv.TLSConfig, err = tlsManager.GetTLSConfig()
	if err != nil {
		return nil, nil, err
	}

	logger.Info("TLS enabled",
		slog.String("mode", cfg.Server.TLSMode),
		slog.String("cert_source", tlsManager.Description()))

	return srv, tlsManager, nil
}

// startServer serves in the background. The returned channel receives at most
// one error and never receives http.ErrServerClosed.
func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	useTLS := tlsEnabled(cfg)

	logger.Info("server starting", serverStartAttrs(cfg, serverAddr, useTLS)...)
	go func() {
		serve := srv.ListenAndServe
		if useTLS {
			serve = func() error { return srv.ListenAndServeTLS("", "") }
		}
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

func serverStartAttrs(cfg *config.Config, serverAddr string, useTLS bool) []any {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	attrs := []any{
		slog.String("protocol", scheme),
		slog.String("address", serverAddr),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("model_source", cfg.Model.Source),
		slog.Int("graphql_max_depth", cfg.Server.GraphQLMaxDepth),
		slog.Bool("graphiql_enabled", cfg.Server.GraphiQLEnabled),
	}
	endpoints := []string{"/graphql", "/health"}
	if cfg.Observability.MetricsEnabled {
		endpoints = append(endpoints, "/metrics")
	}
	attrs = append(attrs, slog.Any("endpoints", endpoints))
	if cfg.Server.RateLimitEnabled {
		attrs = append(attrs, slog.Group("rate_limit",
			slog.Float64("rps", cfg.Server.RateLimitRPS),
			slog.Int("burst", cfg.Server.RateLimitBurst),
		))
	}
	return attrs
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Storage  string `json:"storage,omitempty"`
}

// healthHandler reports liveness. With a database it also pings it; the
// in-memory backend is always healthy. Ping errors are logged, never returned.
func healthHandler(db pinger, timeout time.Duration) http.HandlerFunc {
	timeout = cmp.Or(timeout, 2*time.Second)
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, healthStatus{Status: "healthy", Storage: "memory"}
		if db != nil {
			status, body = pingHealth(r.Context(), db, timeout)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func pingHealth(ctx context.Context, db pinger, timeout time.Duration) (int, healthStatus) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := logging.FromContext(ctx)
	if err := db.PingContext(ctx); err != nil {
		logger.Error("health check failed", slog.String("check", "database"), slog.String("error", err.Error()))
		return http.StatusServiceUnavailable, healthStatus{Status: "unhealthy", Database: "failed"}
	}
	logger.Debug("health check passed")
	return http.StatusOK, healthStatus{Status: "healthy", Database: "ok"}
}
