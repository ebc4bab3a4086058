package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/scheduleingest/worker/internal/diff"
	"github.com/scheduleingest/worker/internal/entity"
	"github.com/scheduleingest/worker/internal/normalize"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testSchema = "schedule_ingest_test"

// newTestStore starts a disposable Postgres container for the calling
// test, creates the five tables store.go talks to directly in
// testSchema, and returns a Store wired to it.
func newTestStore(t *testing.T) *Store {
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

	for _, stmt := range testSchemaDDL(testSchema) {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	return New(db, testSchema)
}

func testSchemaDDL(schema string) []string {
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

func testShift(start, end, customer, street, streetNumber, city string, shiftType normalize.ShiftType) normalize.CanonicalShift {
	return normalize.CanonicalShift{
		Start:               start,
		End:                 end,
		CustomerName:        customer,
		CustomerFingerprint: entity.CustomerFingerprint(customer),
		Street:              street,
		StreetNumber:        streetNumber,
		City:                city,
		LocationFingerprint: entity.LocationFingerprint(street, streetNumber, "", city),
		ShiftType:           shiftType,
		RawTypeLabel:        "Stadservice",
	}
}

func insertSession(t *testing.T, s *Store, userID int64, state string, lastImageAge time.Duration) string {
	t.Helper()
	ctx := context.Background()
	var sessionID string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (user_id, state) VALUES ($1, $2) RETURNING id::text`, s.table("capture_session"),
	), userID, state).Scan(&sessionID)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (session_id, created_at) VALUES ($1, $2)`, s.table("capture_image"),
	), sessionID, time.Now().Add(-lastImageAge))
	require.NoError(t, err)

	return sessionID
}

func TestLoadSessionImages_ReturnsOrderedBySequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := insertSession(t, s, 1, "open", time.Hour)

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET r2_key = $1, sequence = $2 WHERE session_id = $3`, s.table("capture_image"),
	), "s/1.png", 0, sessionID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (session_id, r2_key, sequence) VALUES ($1, $2, $3)`, s.table("capture_image"),
	), sessionID, "s/2.png", 1)
	require.NoError(t, err)

	refs, err := s.LoadSessionImages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "s/1.png", refs[0].Key)
	require.Equal(t, "s/2.png", refs[1].Key)
}

func TestLoadSessionUserID_ReturnsOwningUser(t *testing.T) {
	s := newTestStore(t)
	sessionID := insertSession(t, s, 42, "open", time.Hour)

	userID, err := s.LoadSessionUserID(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, int64(42), userID)
}

func TestFindFinalizableSessions_ReturnsIdleOpenSessions(t *testing.T) {
	s := newTestStore(t)
	idleSession := insertSession(t, s, 1, "open", 1*time.Hour)
	insertSession(t, s, 2, "open", 1*time.Second)

	ids, err := s.FindFinalizableSessions(context.Background(), time.Now(), "open", 25)
	require.NoError(t, err)
	require.Equal(t, []string{idleSession}, ids)
}

func TestClaimSessionCAS_OnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	sessionID := insertSession(t, s, 1, "open", 1*time.Hour)

	first, err := s.ClaimSessionCAS(context.Background(), sessionID, "open", "processing")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.ClaimSessionCAS(context.Background(), sessionID, "open", "processing")
	require.NoError(t, err)
	require.False(t, second)
}

func TestClaimSessionSkipLocked_ClaimsOldestIdleSession(t *testing.T) {
	s := newTestStore(t)
	sessionID := insertSession(t, s, 1, "open", 1*time.Hour)

	claimed, ok, err := s.ClaimSessionSkipLocked(context.Background(), time.Now(), 25, "open", "processing", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sessionID, claimed)

	state, err := s.SessionState(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, "processing", state)
}

func TestRefreshLease_FailsAfterLeaseStolen(t *testing.T) {
	s := newTestStore(t)
	sessionID := insertSession(t, s, 1, "open", 1*time.Hour)
	_, ok, err := s.ClaimSessionSkipLocked(context.Background(), time.Now(), 25, "open", "processing", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RefreshLease(context.Background(), sessionID, "worker-1", "processing"))

	err = s.RefreshLease(context.Background(), sessionID, "worker-2", "processing")
	require.ErrorIs(t, err, ErrLeaseLost)
}

func TestMarkSessionProcessed_Transitions(t *testing.T) {
	s := newTestStore(t)
	sessionID := insertSession(t, s, 1, "processing", 1*time.Hour)

	ok, err := s.MarkSessionProcessed(context.Background(), sessionID, "processing", "done")
	require.NoError(t, err)
	require.True(t, ok)

	state, err := s.SessionState(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, "done", state)
}

func TestProcessObservation_FirstObservationOnlyAddsEvents(t *testing.T) {
	s := newTestStore(t)
	shiftA := testShift("10:00", "12:00", "Marie Sjoberg", "Valebergsvagen", "316", "Billdal", normalize.ShiftWork)

	events, err := s.ProcessObservation(context.Background(), 7, "2026-07-31", "sess-1", []normalize.CanonicalShift{shiftA}, time.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, diff.EventShiftAdded, events[0].Kind)

	snapshot, err := s.LoadDaySnapshot(context.Background(), 7, "2026-07-31")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
}

func TestProcessObservation_SecondObservationDetectsTimeChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	original := testShift("10:00", "12:00", "Marie Sjoberg", "Valebergsvagen", "316", "Billdal", normalize.ShiftWork)
	_, err := s.ProcessObservation(ctx, 7, "2026-07-31", "sess-1", []normalize.CanonicalShift{original}, time.Now())
	require.NoError(t, err)

	moved := testShift("10:30", "12:30", "Marie Sjoberg", "Valebergsvagen", "316", "Billdal", normalize.ShiftWork)
	events, err := s.ProcessObservation(ctx, 7, "2026-07-31", "sess-2", []normalize.CanonicalShift{moved}, time.Now())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, diff.EventShiftTimeChanged, events[0].Kind)
}

func TestProcessObservation_IsIdempotentUnderRepeatedInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	shiftA := testShift("10:00", "12:00", "Marie Sjoberg", "Valebergsvagen", "316", "Billdal", normalize.ShiftWork)

	_, err := s.ProcessObservation(ctx, 7, "2026-07-31", "sess-1", []normalize.CanonicalShift{shiftA}, time.Now())
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table("schedule_event"))).Scan(&count))
	require.Equal(t, 1, count)

	inserted, err := s.PersistEventsAndSnapshot(ctx, 7, "2026-07-31", "sess-1", []diff.ScheduleEvent{
		{Kind: diff.EventShiftAdded, ScheduleDate: "2026-07-31", Shift: &shiftA},
	}, []normalize.CanonicalShift{shiftA}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, inserted)
}
