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
	"github.com/splatforge/backend/docs"
	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/database"
	"github.com/splatforge/backend/internal/handlers"
	mW "github.com/splatforge/backend/internal/middleware"
	"github.com/splatforge/backend/internal/services"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Splatforge Credits API
// @version 1.0
// @description Credit metering and job lifecycle API for the Splatforge reconstruction platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	docs.SwaggerInfo.Title = "Splatforge Credits API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Policy config
	pricingPolicy := config.LoadPricingPolicy()
	limitsPolicy := config.LoadLimitsPolicy()
	providerPolicy := config.LoadProviderPolicy()
	billingPolicy := config.LoadBillingPolicy()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db, pricingPolicy)
	usageService := services.NewUsageService(db)
	admissionService := services.NewAdmissionService(ledgerService, usageService, limitsPolicy)
	pricer := services.NewPricer(pricingPolicy)
	provider := services.NewHTTPProvider(providerPolicy)
	notifier := services.NewRedisNotifier(redisClient)
	jobService := services.NewJobService(db, redisClient, ledgerService, usageService, admissionService, pricer, provider, notifier)
	billingService := services.NewBillingService(db, ledgerService, billingPolicy)

	callbackHandler := handlers.NewCallbackHandler(jobService)
	billingHandler := handlers.NewBillingHandler(billingService, billingPolicy)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Inbound webhooks (verified by signature, not by user token)
		r.Post("/callbacks/provider", callbackHandler.ProviderCallback)
		r.Post("/webhooks/payment", billingHandler.PaymentWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/credits/balance", ledgerService.BalanceEnquiry)
			r.Get("/credits/history", ledgerService.TransactionHistory)

			r.Post("/jobs", jobService.StartJob)
			r.Get("/jobs/{jobId}", jobService.GetJobStatus)
			r.Delete("/jobs/{jobId}", jobService.CancelJob)

			r.Post("/billing/checkout", billingHandler.CreateCheckout)
			r.Get("/billing/checkout/qr", billingHandler.CheckoutQR)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
