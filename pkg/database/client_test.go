package database

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const clientTestSchema = "schedule_ingest_client_test"

// newTestClient starts a disposable Postgres container, creates the
// schedule_notification table inline (mirroring its embedded migration
// without depending on go:embed's working directory assumptions in
// tests), and wraps it in a Client.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	_, err = db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+clientTestSchema)
	require.NoError(t, err)
	for _, stmt := range clientTestSchemaDDL(clientTestSchema) {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, CreateNotificationSearchIndex(ctx, db, clientTestSchema))

	client := NewClientFromDB(db, clientTestSchema)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func clientTestSchemaDDL(schema string) []string {
	return []string{
		`CREATE TABLE ` + schema + `.schedule_notification (
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
		)`,
	}
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.DB().PingContext(ctx)
	require.NoError(t, err)

	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestNotificationFullTextSearch(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	insert := `INSERT INTO ` + client.Schema() + `.schedule_notification
		(notification_id, user_id, schedule_date, source_session_id, status, notification_type, message, event_ids, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 'event', $5, '[]', now())`

	_, err := client.DB().ExecContext(ctx, insert, "n1", 1, "2026-07-31", "sess-1",
		"New shift added today 10:00-14:00 in Billdal")
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx, insert, "n2", 1, "2026-07-31", "sess-1",
		"Shift removed today 09:00-11:00 in Billdal")
	require.NoError(t, err)

	rows, err := client.DB().QueryContext(ctx,
		`SELECT notification_id FROM `+client.Schema()+`.schedule_notification
		WHERE to_tsvector('english', message) @@ to_tsquery('english', $1)`,
		"added")
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"n1"}, ids)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "",
				Database: "test", MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: true,
		},
		{
			name: "idle conns exceed max conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", MaxOpenConns: 5, MaxIdleConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max open conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", MaxOpenConns: 0, MaxIdleConns: 0,
			},
			wantErr: true,
		},
		{
			name: "negative idle conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", MaxOpenConns: 10, MaxIdleConns: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
