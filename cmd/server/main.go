package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/stylepay/backend/docs"
	"github.com/stylepay/backend/internal/database"
	"github.com/stylepay/backend/internal/handlers"
	mW "github.com/stylepay/backend/internal/middleware"
	"github.com/stylepay/backend/internal/obs"
	"github.com/stylepay/backend/internal/services"
	"github.com/stylepay/backend/internal/store"
)

// @title StylePay Ledger API
// @version 1.0
// @description Balance ledger and payment processing for the StylePay styling service
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.driver", "DATABASE_DRIVER")
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("sqlite.path", "SQLITE_PATH")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("ledger.initial_balance", "LEDGER_INITIAL_BALANCE")
	viper.BindEnv("ledger.max_retries", "LEDGER_MAX_RETRIES")
	viper.BindEnv("ledger.retry_backoff", "LEDGER_RETRY_BACKOFF")
	viper.BindEnv("payment.checkout_url", "PAYMENT_CHECKOUT_URL")
	viper.BindEnv("payment.recovery_interval", "PAYMENT_RECOVERY_INTERVAL")
	viper.BindEnv("webhook.rate_limit_rps", "WEBHOOK_RATE_LIMIT_RPS")
	viper.BindEnv("webhook.rate_limit_burst", "WEBHOOK_RATE_LIMIT_BURST")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("ledger.initial_balance", 0)
	viper.SetDefault("ledger.max_retries", 3)
	viper.SetDefault("ledger.retry_backoff", 100*time.Millisecond)
	viper.SetDefault("payment.checkout_url", "https://pay.stylepay.example/checkout")
	viper.SetDefault("payment.recovery_interval", 5*time.Minute)
	viper.SetDefault("webhook.rate_limit_rps", 10.0)
	viper.SetDefault("webhook.rate_limit_burst", 20)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	docs.SwaggerInfo.Title = "StylePay Ledger API"
	docs.SwaggerInfo.Description = "Balance ledger and payment processing for the StylePay styling service"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	obs.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend is picked once at startup. Both stores implement the
	// same interface; nothing downstream branches on the driver.
	var ledgerStore store.Store
	switch driver := viper.GetString("database.driver"); driver {
	case "sqlite":
		db, err := database.InitSQLite()
		if err != nil {
			log.Fatalf("Failed to initialize SQLite: %v", err)
		}
		defer db.Close()
		ledgerStore = store.NewSQLiteStore(db)
	case "postgres":
		db, err := database.InitPostgres()
		if err != nil {
			log.Fatalf("Failed to initialize Postgres: %v", err)
		}
		defer db.Close()
		ledgerStore = store.NewPostgresStore(db)
	default:
		log.Fatalf("Unknown database driver %q", driver)
	}

	if err := ledgerStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(ledgerStore, services.LedgerConfig{
		InitialBalance: viper.GetInt64("ledger.initial_balance"),
		MaxRetries:     viper.GetInt("ledger.max_retries"),
		RetryBackoff:   viper.GetDuration("ledger.retry_backoff"),
	})
	paymentService := services.NewPaymentService(ledgerService, redisClient, viper.GetString("payment.checkout_url"))
	paymentService.StartRecoveryWorker(ctx, viper.GetDuration("payment.recovery_interval"))

	ledgerHandler := handlers.NewLedgerHandler(ledgerService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)

	webhookLimiter := mW.NewRateLimiter(
		viper.GetFloat64("webhook.rate_limit_rps"),
		viper.GetInt("webhook.rate_limit_burst"),
	)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(obs.Instrument)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", obs.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Provider callbacks are unauthenticated but rate limited.
	r.Group(func(r chi.Router) {
		r.Use(webhookLimiter.Handler)
		r.Post("/payments/webhook", paymentHandler.Webhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/consultations/charge", ledgerHandler.ChargeConsultation)
			r.Get("/balance", ledgerHandler.GetBalance)
			r.Get("/transactions", ledgerHandler.GetTransactions)
			r.Get("/stats", ledgerHandler.GetStats)

			r.Post("/payments/topup", paymentHandler.CreateTopup)
			r.Get("/payments/{paymentId}/qr", paymentHandler.CheckoutQR)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
