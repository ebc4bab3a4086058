// Command scheduleworker runs the schedule-ingest session-finalization
// loop: it claims idle capture sessions, runs their images through the
// OCR/parse/normalize/aggregate/diff pipeline, persists events and
// notifications, and serves a minimal health endpoint.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scheduleingest/worker/internal/config"
	"github.com/scheduleingest/worker/internal/objectstore"
	"github.com/scheduleingest/worker/internal/ocr"
	"github.com/scheduleingest/worker/internal/store"
	"github.com/scheduleingest/worker/internal/workerloop"
	"github.com/scheduleingest/worker/pkg/database"

	"github.com/gin-gonic/gin"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envPath := getEnv("ENV_FILE", ".env")
	if err := config.LoadEnvFile(envPath); err != nil {
		log.Printf("Warning: %v", err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbConfig.Schema = cfg.DBSchema

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL database")

	adapter, objects, err := buildCollaborators(cfg)
	if err != nil {
		log.Fatalf("Failed to build OCR/object-store collaborators: %v", err)
	}

	sessionStore := store.New(dbClient.DB(), cfg.DBSchema)

	loop := workerloop.New(sessionStore, adapter, objects, workerloop.Config{
		PollSeconds:          cfg.WorkerPollSeconds,
		IdleTimeoutSeconds:   cfg.SessionIdleTimeoutSeconds,
		OpenState:            cfg.OpenState,
		ProcessingState:      cfg.ProcessingState,
		ProcessedState:       cfg.ProcessedState,
		FailedState:          cfg.FailedState,
		SummaryThreshold:     cfg.NotificationSummaryThreshold,
		IdleLogEvery:         cfg.WorkerIdleLogEvery,
		TimeToleranceMinutes: 20,
		OCRDefaultYear:       cfg.OCRDefaultYear,
		WorkerID:             workerID(),
		UseSkipLockedClaim:   true,
	}, logger)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.RunForever(ctx)
	}()

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		health, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": health, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": health})
	})
	router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, stopping worker loop and HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	<-loopDone
	log.Println("Clean shutdown complete")
}

// buildCollaborators constructs the OCR adapter and object-store
// client per WORKER_INPUT_MODE. Fixture mode is self-contained and
// always available; OCR mode names a real image-storage backend that
// this build does not wire — spec.md treats both as external
// collaborators specified only by their interface, not as components
// to implement here.
func buildCollaborators(cfg config.Config) (ocr.Adapter, objectstore.Client, error) {
	switch cfg.WorkerInputMode {
	case "fixture":
		boxes, err := config.LoadFixtureBoxes(getEnv("FIXTURE_BOXES_DIR", "fixtures"))
		if err != nil {
			return nil, nil, err
		}
		return ocr.NewFixtureAdapter(boxes), objectstore.NewFixtureClient(config.FixtureObjectsFor(boxes)), nil
	default:
		return nil, nil, fixtureOnlyBuildError(cfg.WorkerInputMode)
	}
}

func fixtureOnlyBuildError(mode string) error {
	return &config.ValidationError{
		Field: "WORKER_INPUT_MODE",
		Err:   errUnwiredBackend(mode),
	}
}

type errUnwiredBackend string

func (e errUnwiredBackend) Error() string {
	return "mode " + string(e) + " requires a production OCR engine and object-store client, neither of which is wired in this build"
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "scheduleworker"
	}
	return host
}
