package main

import (
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/username/stockfolio/src/config"
	"github.com/username/stockfolio/src/database"
	"github.com/username/stockfolio/src/fees"
	"github.com/username/stockfolio/src/handlers"
	"github.com/username/stockfolio/src/ledger"
	"github.com/username/stockfolio/src/logger"
	"github.com/username/stockfolio/src/portfolio"
	"github.com/username/stockfolio/src/reports"
	"github.com/username/stockfolio/src/security"
	"github.com/username/stockfolio/src/services"
	"golang.org/x/time/rate"
)

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, If-None-Match")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Stockfolio backend server starting...")

	if config.Cfg.JWTSecret == "" || len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid. Must be at least 32 bytes.")
		os.Exit(1)
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	logger.L.Info("Database initialized successfully.")

	logger.L.Info("Initializing services and handlers...")
	authService := security.NewAuthService(config.Cfg.JWTSecret)

	quoteService := services.NewBrokerQuoteService(
		config.Cfg.QuoteAPIBaseURL, config.Cfg.QuoteAppKey, config.Cfg.QuoteAppSecret,
		config.Cfg.HomeCurrency, config.Cfg.QuoteTimeout, config.Cfg.QuoteCacheTTL, logger.L)
	fxService := services.NewExchangeRateService(
		config.Cfg.FXAPIBaseURL, config.Cfg.FXAPIKey, config.Cfg.FXCacheTTL, logger.L)

	scheduleRepo := fees.NewScheduleRepository(database.DB)
	feeCalculator := fees.NewCalculator(scheduleRepo, logger.L)

	ledgerRepo := ledger.NewRepository(database.DB)
	engine := ledger.NewEngine(ledgerRepo, feeCalculator, fxService,
		config.Cfg.HomeCurrency, config.Cfg.FXFallbackRate, logger.L)

	aggregator := portfolio.NewAggregator(ledgerRepo, quoteService, fxService,
		config.Cfg.HomeCurrency, config.Cfg.QuoteMaxConcurrency, config.Cfg.QuoteRatePerSec,
		config.Cfg.QuoteTimeout, logger.L)
	reporter := reports.NewReporter(database.DB, logger.L)

	rateRefreshJob := services.NewRateRefreshJob(fxService, ledgerRepo, logger.L)
	if err := rateRefreshJob.Start(); err != nil {
		logger.L.Error("Failed to start FX rate refresh job", "error", err)
	}
	defer rateRefreshJob.Stop()

	orderHandler := handlers.NewOrderHandler(engine, ledgerRepo)
	portfolioHandler := handlers.NewPortfolioHandler(aggregator)
	reportHandler := handlers.NewReportHandler(reporter)
	feeHandler := handlers.NewFeeHandler(feeCalculator, scheduleRepo)

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()

	withAuth := func(handler http.HandlerFunc) http.Handler {
		return handlers.AuthMiddleware(authService, handler)
	}

	apiRouter.Handle("POST /api/orders", withAuth(orderHandler.HandleCreateOrder))
	apiRouter.Handle("GET /api/transactions", withAuth(orderHandler.HandleListTransactions))
	apiRouter.Handle("GET /api/portfolio", withAuth(portfolioHandler.HandleGetPortfolio))
	apiRouter.Handle("GET /api/portfolio/overview", withAuth(portfolioHandler.HandleGetOverview))
	apiRouter.Handle("GET /api/realized-profits", withAuth(reportHandler.HandleGetRealizedProfits))
	apiRouter.Handle("GET /api/fees/rate", withAuth(feeHandler.HandleGetFeePreview))
	apiRouter.Handle("PUT /api/fees/schedule", withAuth(feeHandler.HandleUpsertSchedule))

	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "STOCKFOLIO Backend is running"})
		} else {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
				http.NotFound(w, r)
			}
		}
	})

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(rateLimitMiddleware(rootMux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
