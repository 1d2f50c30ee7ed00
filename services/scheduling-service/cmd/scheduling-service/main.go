package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chairsidehq/scheduling/libs/auth"
	"github.com/chairsidehq/scheduling/libs/config"
	"github.com/chairsidehq/scheduling/libs/db"
	"github.com/chairsidehq/scheduling/libs/httpx"
	"github.com/chairsidehq/scheduling/libs/kafkax"
	otelx "github.com/chairsidehq/scheduling/libs/otel"
	"github.com/chairsidehq/scheduling/libs/runtime"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/availability"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/consumer"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/directory"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/engine"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/handlers"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/model"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/outbox"
	"github.com/chairsidehq/scheduling/services/scheduling-service/internal/storage"
)

const idempotencyKeyRetention = 24 * time.Hour

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	blockedRanges, err := config.ClockRanges("BLOCKED_PERIODS", "12:00-13:00")
	if err != nil {
		logger.Error("invalid BLOCKED_PERIODS", "err", err)
		panic(err)
	}
	blocked := make([]availability.ClockRange, 0, len(blockedRanges))
	for _, r := range blockedRanges {
		blocked = append(blocked, availability.ClockRange{StartMinute: r.StartMinute, EndMinute: r.EndMinute})
	}

	appointments := storage.NewAppointmentStore(pool)
	catalog := storage.NewCatalogStore(pool)

	var patients engine.PatientDirectory
	directoryClient, err := directory.NewClient(config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("directory client init failed; accepting patient ids unverified", "err", err)
	} else if directoryClient != nil {
		patients = directoryClient
	}

	eng := engine.New(appointments, catalog, patients, blocked, logger)

	brokers := kafkax.SplitBrokers(config.String("KAFKA_BROKERS", ""))
	if len(brokers) > 0 {
		publisher := outbox.NewPublisher(pool, brokers,
			config.String("SCHEDULING_EVENTS_TOPIC", "scheduling.events.v1"), logger)
		defer publisher.Close()
		go publisher.Run(ctx)

		if topic := strings.TrimSpace(config.String("DIRECTORY_EVENTS_TOPIC", "directory.events.v1")); topic != "" {
			directoryConsumer := consumer.NewDirectoryConsumer(brokers, topic,
				config.String("KAFKA_GROUP_ID", service), pool, catalog, logger)
			defer directoryConsumer.Close()
			go directoryConsumer.Run(ctx)
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set; outbox publisher and directory consumer disabled")
	}

	go purgeIdempotencyKeys(ctx, appointments, logger)

	appointmentHandler := handlers.NewAppointmentHandler(eng, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(eng, logger)
	catalogHandler := handlers.NewCatalogHandler(catalog, logger)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/appointments", appointmentHandler.Create)
	api.HandleFunc("GET /api/v1/appointments", appointmentHandler.List)
	api.HandleFunc("GET /api/v1/appointments/{id}", appointmentHandler.Get)
	api.HandleFunc("PUT /api/v1/appointments/{id}", appointmentHandler.Update)
	api.HandleFunc("DELETE /api/v1/appointments/{id}", appointmentHandler.Delete)
	api.HandleFunc("POST /api/v1/appointments/{id}/confirm", appointmentHandler.StatusAction(model.StatusConfirmed))
	api.HandleFunc("POST /api/v1/appointments/{id}/checkin", appointmentHandler.StatusAction(model.StatusCheckedIn))
	api.HandleFunc("POST /api/v1/appointments/{id}/start", appointmentHandler.StatusAction(model.StatusInProgress))
	api.HandleFunc("POST /api/v1/appointments/{id}/complete", appointmentHandler.StatusAction(model.StatusCompleted))
	api.HandleFunc("POST /api/v1/appointments/{id}/noshow", appointmentHandler.StatusAction(model.StatusNoShow))
	api.HandleFunc("POST /api/v1/appointments/{id}/cancel", appointmentHandler.Cancel)
	api.HandleFunc("GET /api/v1/availability", availabilityHandler.Slots)
	api.HandleFunc("GET /api/v1/providers", catalogHandler.ListProviders)
	api.HandleFunc("GET /api/v1/providers/{id}", catalogHandler.GetProvider)
	api.HandleFunc("GET /api/v1/operatories", catalogHandler.ListOperatories)
	api.HandleFunc("GET /api/v1/appointment-types", catalogHandler.ListAppointmentTypes)

	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}
	var jwksClient *auth.JWKSClient
	if jwksURL := config.String("JWKS_URL", ""); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, 10*time.Minute)
	}

	var apiHandler http.Handler = requireAuth(api, jwtSecret, jwksClient)
	apiHandler = rateLimitMiddleware(logger)(apiHandler)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.Handle("/api/v1/", apiHandler)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key")),
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requireAuth(next http.Handler, jwtSecret string, jwksClient *auth.JWKSClient) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		var claims *auth.Claims
		var err error

		if jwksClient != nil {
			header, herr := auth.ParseHeader(token)
			if herr != nil {
				http.Error(w, "invalid token header", http.StatusUnauthorized)
				return
			}
			if header.Alg == "RS256" && header.Kid != "" {
				pub, kerr := jwksClient.Get(header.Kid)
				if kerr != nil {
					http.Error(w, "invalid token key", http.StatusUnauthorized)
					return
				}
				claims, err = auth.VerifyRS256(token, pub)
			} else {
				claims, err = auth.ParseAndVerifyHS256(token, jwtSecret)
			}
		} else {
			claims, err = auth.ParseAndVerifyHS256(token, jwtSecret)
		}
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		r.Header.Del("X-User-Id")
		r.Header.Del("X-Practice-Id")
		r.Header.Del("X-Role")
		r.Header.Set("X-User-Id", claims.Sub)
		r.Header.Set("X-Practice-Id", claims.PracticeID)
		r.Header.Set("X-Role", claims.Role)
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware prefers the Redis fixed-window limiter so replicas
// share one budget, falling back to per-process limiting without Redis.
func rateLimitMiddleware(logger *slog.Logger) httpx.Middleware {
	limit := config.Int("RATE_LIMIT", 120)
	window := time.Duration(config.Int("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second

	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		return httpx.NewRedisRateLimiter(rdb, limit, window, "scheduling:rl").Middleware(logger, true)
	}
	return httpx.NewRateLimiter(limit, window).Middleware()
}

func purgeIdempotencyKeys(ctx context.Context, store *storage.AppointmentStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeIdempotencyKeys(ctx, idempotencyKeyRetention)
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "idempotency key purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "idempotency keys purged", "count", n)
			}
		}
	}
}
