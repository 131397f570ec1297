package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	contactrepo "github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/identity"
	fernkafka "github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/processor"
	contactroutes "github.com/Ramsey-B/fern/pkg/routes/contact"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/identify"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	// Tracing
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(&exporters.ConsoleExporter{}))
	otel.SetTracerProvider(tracerProvider)
	tracing.SetTracer(tracerProvider.Tracer(cfg.AppName))

	// Contact store. The database may still be starting; retry before giving up.
	sqlxDB, err := connectWithRetry(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	db := database.NewDatabaseInstance(sqlxDB, logger)
	defer db.Close()

	// Migrations
	driver, err := postgres.WithInstance(sqlxDB.DB, &postgres.Config{})
	if err != nil {
		logger.WithError(err).Error("Failed to create migration driver")
		os.Exit(1)
	}
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, driver); err != nil {
		logger.WithError(err).Error("Failed to apply migrations")
		os.Exit(1)
	}

	// Identity engine
	repo := contactrepo.NewRepository(db, logger)

	var sink identity.EventSink
	if cfg.KafkaProducerEnabled {
		producer := fernkafka.NewProducer(fernkafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close()
		sink = events.NewEmitter(producer, logger)
	}

	engine := identity.NewEngine(logger, db, repo, sink)

	// DI container for route handlers
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		logger.WithError(err).Error("Failed to create DI container")
		os.Exit(1)
	}
	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		logger.WithError(err).Error("Failed to register logger")
		os.Exit(1)
	}
	if err := ectoinject.RegisterInstance[database.DB](container, db); err != nil {
		logger.WithError(err).Error("Failed to register database")
		os.Exit(1)
	}
	if err := ectoinject.RegisterInstance[*contactrepo.Repository](container, repo); err != nil {
		logger.WithError(err).Error("Failed to register contact repository")
		os.Exit(1)
	}
	if err := ectoinject.RegisterInstance[*identity.Engine](container, engine); err != nil {
		logger.WithError(err).Error("Failed to register identity engine")
		os.Exit(1)
	}

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	identify.Register(e)
	contactroutes.Register(e.Group("/api/v1/contacts"))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	checker := health.NewChecker(sqlxDB, version)
	checker.RegisterRoutes(e)

	// Bulk identify ingestion
	var consumer *fernkafka.Consumer
	if cfg.KafkaConsumerEnabled {
		proc := processor.New(logger, engine)
		consumer = fernkafka.NewConsumer(cfg, logger, proc.HandleMessage)
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Failed to start Kafka consumer")
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server stopped")
		}
	}()

	checker.SetReady(true)
	logger.WithField("port", cfg.Port).Infof("%s started", cfg.AppName)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Error("Failed to stop Kafka consumer")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down HTTP server")
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down tracer provider")
	}
}

func connectWithRetry(cfg config.Config, logger ectologger.Logger) (*sqlx.DB, error) {
	connectCfg := database.ConnectConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		UserName:        cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}

	attempts := cfg.StartupMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var db *sqlx.DB
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err = database.Connect(connectCfg)
		if err == nil {
			return db, nil
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Database connection failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return nil, err
}

func newLogger(cfg config.Config) ectologger.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}
