package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fxTradeEngine/config"
	"fxTradeEngine/internal/adapters/binancebroker"
	"fxTradeEngine/internal/adapters/binancefeed"
	"fxTradeEngine/internal/adapters/logger"
	"fxTradeEngine/internal/adapters/signalhttp"
	"fxTradeEngine/internal/adapters/sqlite"
	"fxTradeEngine/internal/app"
	"fxTradeEngine/internal/symbols"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Load Instrument Catalog and build the symbol resolver
	instruments, err := symbols.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to load instrument catalog")
		log.Fatalf("FATAL: Failed to load instrument catalog: %v", err)
	}
	resolver, err := symbols.NewResolver(instruments, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to build symbol resolver")
		log.Fatalf("FATAL: Failed to build symbol resolver: %v", err)
	}
	appLogger.Info(context.Background(), "Instrument catalog loaded", map[string]interface{}{"instruments": len(instruments)})

	// 4. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 5. Initialize Broker (Binance Adapter)
	broker, err := binancebroker.New(binancebroker.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize broker client")
		log.Fatalf("FATAL: Failed to initialize broker client: %v", err)
	}
	appLogger.Info(context.Background(), "Broker client initialized")

	// 6. Initialize Market Feed (Binance Adapter)
	symbolTable := make(map[int64]string, len(instruments))
	for _, inst := range instruments {
		symbolTable[inst.ID] = inst.Symbol
	}
	feed, err := binancefeed.New(binancefeed.Config{
		Logger:               appLogger,
		Symbols:              symbolTable,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize market feed")
		log.Fatalf("FATAL: Failed to initialize market feed: %v", err)
	}
	resolver.AttachFeed(feed)
	appLogger.Info(context.Background(), "Market feed initialized")

	// 7. Initialize Signal Service Client
	signalClient, err := signalhttp.New(signalhttp.Config{
		BaseURL: cfg.SignalServiceURL,
		Timeout: cfg.SignalTimeoutPerCall,
		Logger:  appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal service client")
		log.Fatalf("FATAL: Failed to initialize signal service client: %v", err)
	}
	appLogger.Info(context.Background(), "Signal service client initialized", map[string]interface{}{"url": cfg.SignalServiceURL})

	// 8. Expose Prometheus metrics
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		appLogger.Info(context.Background(), "Metrics listener started", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(context.Background(), err, "Metrics listener stopped")
		}
	}()

	// 9. Initialize and run the Engine Service
	service, err := app.NewEngineService(cfg, app.Deps{
		Logger:   appLogger,
		Feed:     feed,
		Broker:   broker,
		Signal:   signalClient,
		Position: repo,
		Session:  repo,
		Risk:     repo,
		Resolver: resolver,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine service")
		log.Fatalf("FATAL: Failed to initialize engine service: %v", err)
	}

	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Engine service exited with error")
		log.Fatalf("Engine service exited with error: %v", err)
	}
}
