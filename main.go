package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/degree-anchor/anchor-api/api"
	"github.com/degree-anchor/anchor-api/database"
	"github.com/degree-anchor/anchor-api/external"
	"github.com/degree-anchor/anchor-api/ledger"
	"github.com/degree-anchor/anchor-api/metrics"
	"github.com/degree-anchor/anchor-api/services"
	"github.com/degree-anchor/anchor-api/store"
	"github.com/degree-anchor/anchor-api/tasks"
	"github.com/degree-anchor/anchor-api/util"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	dialTimeout     = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func waitForTermination() {
	// Trap termination signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received.
	<-c

	// Allow subsequent termination signals to quickly shut down by removing the trap.
	signal.Reset()
	close(c)
}

var logger *zap.Logger

// Logger initialization. When logFile is set, entries are also written there
// as JSON and the file is rotated by size.
func initLogger(debug bool, logFile string) error {
	var cfg zap.Config
	var err error

	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	var opts []zap.Option
	if logFile != "" {
		rotated := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
			}),
			cfg.Level,
		)
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, rotated)
		}))
	}

	logger, err = cfg.Build(opts...)
	return err
}

func main() {
	var cfg config
	var err error

	// Parse command line arguments.
	if cfg, err = parseArguments(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing command-line arguments: %v\n", err)
		os.Exit(1)
	}

	// Initialize the logger.
	if err := initLogger(cfg.Debug, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	// Clock
	clock := clockwork.NewRealClock()

	// Connect to the database and initialize the database schema, if necessary.
	var db *sql.DB
	db, err = database.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Unable to open the database connection", zap.Error(err))
	}
	defer db.Close()

	st := store.New(&store.Config{
		DB:      db,
		Clock:   clock,
		Logger:  logger,
		Metrics: metrics.NewMetricsRegistry("store", prometheus.DefaultRegisterer),
	})
	if err := st.Init(); err != nil {
		logger.Fatal("Unable to initialize the projection store", zap.Error(err))
	}
	defer st.Deinit()

	// The signing key decides which account the sequencer tracks.
	wallet, err := util.LoadWallet(cfg.SignerKey)
	if err != nil {
		logger.Fatal("Unable to load the signing key", zap.Error(err))
	}

	// Connect to the ledger. Startup waits for the node to come up.
	dialCtx, cancelDial := context.WithTimeout(context.Background(), dialTimeout)
	client, err := external.DialLedger(dialCtx, cfg.LedgerRPCURL, cfg.ChainID, cfg.LedgerDialRetries, logger)
	cancelDial()
	if err != nil {
		logger.Fatal("Unable to connect to the ledger", zap.Error(err))
	}
	defer client.Close()

	gw, err := ledger.NewGateway(&ledger.GatewayConfig{
		Client:        client,
		Contract:      cfg.ContractAddress,
		ChainID:       cfg.ChainID,
		GasLimit:      cfg.GasLimit,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		MaxCalls:      cfg.MaxLedgerCalls,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metrics.NewMetricsRegistry("ledger", prometheus.DefaultRegisterer),
	})
	if err != nil {
		logger.Fatal("Unable to create the ledger gateway", zap.Error(err))
	}

	toolkit := external.NewProcessToolkit(&external.ProcessToolkitConfig{
		Command: cfg.ToolkitNode,
		Dir:     cfg.ToolkitDir,
		Timeout: cfg.ToolkitTimeout,
		Logger:  logger,
	})

	// Services contain the business logic and are used by the API handlers.
	svc := services.NewService(&services.ServiceConfig{
		Store:           st,
		Ledger:          gw,
		Wallet:          wallet,
		Toolkit:         toolkit,
		FinalityTimeout: cfg.FinalityTimeout,
		Logger:          logger,
		Clock:           clock,
		Metrics:         metrics.NewMetricsRegistry("service", prometheus.DefaultRegisterer),
	})
	logger.Info("Issuing from account", zap.String("account", svc.Account().Hex()))

	// Background task to finish issuances whose finality was not observed in time.
	confirmPending := tasks.NewConfirmPendingTask(svc, cfg.PendingInterval, clock, logger)
	go confirmPending.Run()

	// Create the API router.
	var issueLimiter *rate.Limiter
	if cfg.IssueRate > 0 {
		issueLimiter = rate.NewLimiter(rate.Limit(cfg.IssueRate), cfg.IssueBurst)
	}
	path := "/"
	router := api.NewAPIRouter(path, svc, cfg.AllowedOrigins, issueLimiter, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", api.NewHealthHandler(map[string]api.Pinger{
		"database": st,
		"ledger":   gw,
	}, time.Second))
	mux.Handle(path, router)

	// Listen on the provided address. This listener will be used by the HTTP server.
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to listen on provided address %s\n%v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}

	// Spin up the HTTP server on a different goroutine, since it blocks.
	server := http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var serverWaitGroup sync.WaitGroup
	serverWaitGroup.Add(1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("url", cfg.ListenAddr))
		if err := server.Serve(listener); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
		serverWaitGroup.Done()
	}()

	waitForTermination()

	// Shut down gracefully. In-flight issuances keep their pending rows and
	// are picked up again on the next start.
	logger.Info("Received termination signal, shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(shutdownCtx)
	cancelShutdown()
	listener.Close()

	// Wait for the listener/server to exit
	serverWaitGroup.Wait()

	// Stop the background tasks
	if err = confirmPending.Stop(); err != nil {
		logger.Error("Error stopping background tasks", zap.Error(err))
	}

	logger.Info("Shutdown complete")

	_ = logger.Sync()
}
