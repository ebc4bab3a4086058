package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "DB_SCHEMA", "WORKER_POLL_SECONDS", "SESSION_IDLE_TIMEOUT_SECONDS",
		"NOTIFICATION_SUMMARY_THRESHOLD", "WORKER_IDLE_LOG_EVERY", "WORKER_INPUT_MODE",
		"OBJECT_STORE_ENDPOINT", "OBJECT_STORE_BUCKET", "OBJECT_STORE_ACCESS_KEY", "OBJECT_STORE_SECRET_KEY",
		"OPEN_STATE", "PROCESSING_STATE", "DONE_STATE", "FAILED_STATE", "OCR_DEFAULT_YEAR", "HTTP_PORT",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_MissingDatabaseURLFails(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "DATABASE_URL", validationErr.Field)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "schedule_ingest", cfg.DBSchema)
	assert.Equal(t, 5.0, cfg.WorkerPollSeconds)
	assert.Equal(t, 25, cfg.SessionIdleTimeoutSeconds)
	assert.Equal(t, 3, cfg.NotificationSummaryThreshold)
	assert.Equal(t, 12, cfg.WorkerIdleLogEvery)
	assert.Equal(t, "fixture", cfg.WorkerInputMode)
	assert.Equal(t, "open", cfg.OpenState)
	assert.Nil(t, cfg.OCRDefaultYear)
}

func TestLoad_RejectsNonPositivePollSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("WORKER_POLL_SECONDS", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AllowsZeroIdleTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SESSION_IDLE_TIMEOUT_SECONDS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.SessionIdleTimeoutSeconds)
}

func TestLoad_RejectsNegativeIdleTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SESSION_IDLE_TIMEOUT_SECONDS", "-1")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsInvalidInputMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("WORKER_INPUT_MODE", "webcam")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_OCRModeRequiresObjectStoreEndpoint(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("WORKER_INPUT_MODE", "ocr")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_ParsesOCRDefaultYear(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("OCR_DEFAULT_YEAR", "2026")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.OCRDefaultYear)
	assert.Equal(t, 2026, *cfg.OCRDefaultYear)
}
