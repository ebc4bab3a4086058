// Package config loads the schedule-ingest worker's configuration
// from environment variables, validating eagerly so a misconfigured
// deployment fails fast before any database connection is attempted.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ValidationError reports a single malformed or missing configuration
// value.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Config is every option spec.md §6 names, loaded once at startup.
type Config struct {
	DatabaseURL string
	DBSchema    string

	WorkerPollSeconds            float64
	SessionIdleTimeoutSeconds    int
	NotificationSummaryThreshold int
	WorkerIdleLogEvery           int
	WorkerInputMode              string

	ObjectStoreEndpoint  string
	ObjectStoreBucket    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	OpenState       string
	ProcessingState string
	ProcessedState  string
	FailedState     string

	OCRDefaultYear *int
	HTTPPort       string
}

const (
	defaultDBSchema        = "schedule_ingest"
	defaultPollSeconds     = 5.0
	defaultIdleTimeout     = 25
	defaultSummaryThresh   = 3
	defaultIdleLogEvery    = 12
	defaultWorkerInputMode = "fixture"
	defaultOpenState       = "open"
	defaultProcessingState = "processing"
	defaultProcessedState  = "done"
	defaultFailedState     = "failed"
	defaultHTTPPort        = "8080"
)

// LoadEnvFile loads a .env file if present, tolerating a missing file
// with a caller-visible warning rather than failing startup.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("could not load %s: %w", path, err)
	}
	return nil
}

// Load reads and validates the worker's configuration from the
// process environment.
func Load() (Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return Config{}, &ValidationError{Field: "DATABASE_URL", Err: fmt.Errorf("is required")}
	}

	pollSeconds, err := parsePositiveFloat("WORKER_POLL_SECONDS", defaultPollSeconds)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := parseNonNegativeInt("SESSION_IDLE_TIMEOUT_SECONDS", defaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	summaryThreshold, err := parsePositiveInt("NOTIFICATION_SUMMARY_THRESHOLD", defaultSummaryThresh)
	if err != nil {
		return Config{}, err
	}
	idleLogEvery, err := parsePositiveInt("WORKER_IDLE_LOG_EVERY", defaultIdleLogEvery)
	if err != nil {
		return Config{}, err
	}

	inputMode := getEnvOrDefault("WORKER_INPUT_MODE", defaultWorkerInputMode)
	if inputMode != "ocr" && inputMode != "fixture" {
		return Config{}, &ValidationError{Field: "WORKER_INPUT_MODE", Err: fmt.Errorf("must be \"ocr\" or \"fixture\", got %q", inputMode)}
	}

	var defaultYear *int
	if raw := os.Getenv("OCR_DEFAULT_YEAR"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, &ValidationError{Field: "OCR_DEFAULT_YEAR", Err: fmt.Errorf("must be an integer: %w", err)}
		}
		defaultYear = &year
	}

	cfg := Config{
		DatabaseURL:                  databaseURL,
		DBSchema:                     getEnvOrDefault("DB_SCHEMA", defaultDBSchema),
		WorkerPollSeconds:            pollSeconds,
		SessionIdleTimeoutSeconds:    idleTimeout,
		NotificationSummaryThreshold: summaryThreshold,
		WorkerIdleLogEvery:           idleLogEvery,
		WorkerInputMode:              inputMode,
		ObjectStoreEndpoint:          os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreBucket:            os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStoreAccessKey:         os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey:         os.Getenv("OBJECT_STORE_SECRET_KEY"),
		OpenState:                    getEnvOrDefault("OPEN_STATE", defaultOpenState),
		ProcessingState:              getEnvOrDefault("PROCESSING_STATE", defaultProcessingState),
		ProcessedState:               getEnvOrDefault("DONE_STATE", defaultProcessedState),
		FailedState:                  getEnvOrDefault("FAILED_STATE", defaultFailedState),
		OCRDefaultYear:               defaultYear,
		HTTPPort:                     getEnvOrDefault("HTTP_PORT", defaultHTTPPort),
	}

	if inputMode == "ocr" && cfg.ObjectStoreEndpoint == "" {
		return Config{}, &ValidationError{Field: "OBJECT_STORE_ENDPOINT", Err: fmt.Errorf("is required when WORKER_INPUT_MODE=ocr")}
	}

	return cfg, nil
}

func parsePositiveFloat(name string, def float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ValidationError{Field: name, Err: fmt.Errorf("must be a number: %w", err)}
	}
	if value <= 0 {
		return 0, &ValidationError{Field: name, Err: fmt.Errorf("must be > 0")}
	}
	return value, nil
}

func parsePositiveInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: name, Err: fmt.Errorf("must be an integer: %w", err)}
	}
	if value <= 0 {
		return 0, &ValidationError{Field: name, Err: fmt.Errorf("must be > 0")}
	}
	return value, nil
}

// parseNonNegativeInt is parsePositiveInt's counterpart for fields
// spec.md §6 types as non-negative (zero is a meaningful value, e.g.
// "finalize with no idle grace period").
func parseNonNegativeInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: name, Err: fmt.Errorf("must be an integer: %w", err)}
	}
	if value < 0 {
		return 0, &ValidationError{Field: name, Err: fmt.Errorf("must be >= 0")}
	}
	return value, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
