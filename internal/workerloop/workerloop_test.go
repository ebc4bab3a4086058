package workerloop

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/scheduleingest/worker/internal/layout"
	"github.com/scheduleingest/worker/internal/objectstore"
	"github.com/scheduleingest/worker/internal/ocr"
	"github.com/scheduleingest/worker/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testSchema = "schedule_ingest_workerloop_test"

// testHarness wires a disposable Postgres-backed Store, a fixture OCR
// adapter, and a fixture object store behind one Loop, mirroring how
// cmd/scheduleworker assembles the real dependencies.
type testHarness struct {
	db   *stdsql.DB
	loop *Loop
}

func newTestHarness(t *testing.T, boxesByKey map[string][]layout.Box, objectsByKey map[string][]byte) *testHarness {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("scheduleingest"),
		postgres.WithUsername("scheduleingest"),
		postgres.WithPassword("scheduleingest"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", testSchema))
	require.NoError(t, err)
	for _, stmt := range workerloopSchemaDDL(testSchema) {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	s := store.New(db, testSchema)
	adapter := ocr.NewFixtureAdapter(boxesByKey)
	objects := objectstore.NewFixtureClient(objectsByKey)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	loop := New(s, adapter, objects, Config{
		PollSeconds:          1,
		IdleTimeoutSeconds:   25,
		OpenState:            "open",
		ProcessingState:      "processing",
		ProcessedState:       "done",
		FailedState:          "failed",
		SummaryThreshold:     3,
		IdleLogEvery:         12,
		TimeToleranceMinutes: 20,
		WorkerID:             "worker-test",
	}, logger)

	return &testHarness{db: db, loop: loop}
}

func workerloopSchemaDDL(schema string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE %s.capture_session (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id BIGINT NOT NULL,
			state TEXT NOT NULL,
			error TEXT,
			locked_at TIMESTAMPTZ,
			locked_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema),
		fmt.Sprintf(`CREATE TABLE %s.capture_image (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			session_id UUID NOT NULL REFERENCES %s.capture_session(id),
			r2_key TEXT NOT NULL DEFAULT '',
			sequence INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema, schema),
		fmt.Sprintf(`CREATE TABLE %s.day_snapshot (
			user_id BIGINT NOT NULL,
			schedule_date DATE NOT NULL,
			snapshot_payload JSONB NOT NULL,
			source_session_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, schedule_date)
		)`, schema),
		fmt.Sprintf(`CREATE TABLE %s.schedule_event (
			event_id UUID PRIMARY KEY,
			user_id BIGINT NOT NULL,
			schedule_date DATE NOT NULL,
			event_type TEXT NOT NULL,
			location_fingerprint TEXT NOT NULL,
			customer_fingerprint TEXT NOT NULL,
			old_value_hash TEXT NOT NULL,
			new_value_hash TEXT NOT NULL,
			old_value JSONB,
			new_value JSONB,
			detected_at TIMESTAMPTZ NOT NULL,
			source_session_id TEXT NOT NULL,
			UNIQUE (user_id, schedule_date, location_fingerprint, event_type, old_value_hash, new_value_hash)
		)`, schema),
		fmt.Sprintf(`CREATE TABLE %s.schedule_notification (
			notification_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			schedule_date DATE NOT NULL,
			source_session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			notification_type TEXT NOT NULL,
			message TEXT NOT NULL,
			event_ids JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ
		)`, schema),
	}
}

func (h *testHarness) insertSession(t *testing.T, userID int64, state string, lastImageAge time.Duration, objectKeys ...string) string {
	t.Helper()
	ctx := context.Background()
	var sessionID string
	err := h.db.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s.capture_session (user_id, state) VALUES ($1, $2) RETURNING id::text`, testSchema,
	), userID, state).Scan(&sessionID)
	require.NoError(t, err)

	for i, key := range objectKeys {
		_, err := h.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.capture_image (session_id, r2_key, sequence, created_at) VALUES ($1, $2, $3, $4)`, testSchema,
		), sessionID, key, i, time.Now().Add(-lastImageAge))
		require.NoError(t, err)
	}

	return sessionID
}

func (h *testHarness) sessionState(t *testing.T, sessionID string) string {
	t.Helper()
	var state string
	err := h.db.QueryRowContext(context.Background(), fmt.Sprintf(
		`SELECT state FROM %s.capture_session WHERE id = $1`, testSchema,
	), sessionID).Scan(&state)
	require.NoError(t, err)
	return state
}

func cardBoxes(dateText string) []layout.Box {
	return []layout.Box{
		{Text: dateText, X: 10, Y: 4, W: 200, H: 24},
		{Text: "10:00-14:00", X: 10, Y: 100, W: 80, H: 20},
		{Text: "Marie Sjoberg", X: 10, Y: 124, W: 120, H: 20},
		{Text: "Valebergsvagen 316", X: 10, Y: 148, W: 150, H: 20},
		{Text: "Billdal", X: 10, Y: 172, W: 90, H: 20},
	}
}

func TestRunIteration_ProcessesIdleSessionAndEmitsAddedNotification(t *testing.T) {
	h := newTestHarness(t,
		map[string][]layout.Box{"s/1.png": cardBoxes("Fredag 31 Juli 2026")},
		map[string][]byte{"s/1.png": []byte("s/1.png")},
	)
	sessionID := h.insertSession(t, 7, "open", time.Hour, "s/1.png")

	result, err := h.loop.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ProcessedSessions)
	require.Equal(t, 1, result.GeneratedNotifications)
	require.Equal(t, 1, result.StoredNotifications)
	require.Equal(t, "done", h.sessionState(t, sessionID))
}

func TestRunIteration_SkipsSessionStillReceivingImages(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	sessionID := h.insertSession(t, 7, "open", 1*time.Second, "s/1.png")

	result, err := h.loop.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.ProcessedSessions)
	require.Equal(t, "open", h.sessionState(t, sessionID))
}

func TestRunIteration_MarksSessionFailedOnPipelineError(t *testing.T) {
	h := newTestHarness(t, nil, nil)
	sessionID := h.insertSession(t, 7, "open", time.Hour, "missing.png")

	result, err := h.loop.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.ProcessedSessions)
	require.Equal(t, "failed", h.sessionState(t, sessionID))
}

func TestRunIteration_SkipLockedStrategyClaimsAndProcesses(t *testing.T) {
	h := newTestHarness(t,
		map[string][]layout.Box{"s/1.png": cardBoxes("Fredag 31 Juli 2026")},
		map[string][]byte{"s/1.png": []byte("s/1.png")},
	)
	h.loop.cfg.UseSkipLockedClaim = true
	sessionID := h.insertSession(t, 7, "open", time.Hour, "s/1.png")

	result, err := h.loop.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ProcessedSessions)
	require.Equal(t, "done", h.sessionState(t, sessionID))
}

func TestRunIteration_SecondRunOnNewSessionReportsChange(t *testing.T) {
	h := newTestHarness(t,
		map[string][]layout.Box{
			"s/1.png": cardBoxes("Fredag 31 Juli 2026"),
			"s/2.png": {
				{Text: "Fredag 31 Juli 2026", X: 10, Y: 4, W: 200, H: 24},
				{Text: "10:30-14:30", X: 10, Y: 100, W: 80, H: 20},
				{Text: "Marie Sjoberg", X: 10, Y: 124, W: 120, H: 20},
				{Text: "Valebergsvagen 316", X: 10, Y: 148, W: 150, H: 20},
				{Text: "Billdal", X: 10, Y: 172, W: 90, H: 20},
			},
		},
		map[string][]byte{"s/1.png": []byte("s/1.png"), "s/2.png": []byte("s/2.png")},
	)
	h.insertSession(t, 7, "open", time.Hour, "s/1.png")
	first, err := h.loop.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.ProcessedSessions)

	h.insertSession(t, 7, "open", time.Hour, "s/2.png")
	second, err := h.loop.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, second.ProcessedSessions)
	require.Equal(t, 1, second.GeneratedNotifications)
}
