package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// CreateNotificationSearchIndex creates a full-text-search GIN index
// over schedule_notification.message, letting an operator query "has
// anyone been told about a relocation today" without a LIKE scan.
// golang-migrate's plain .sql migrations cannot express a
// CREATE INDEX CONCURRENTLY-free IF NOT EXISTS guard portably across
// first-run-vs-upgrade, so this stays as idempotent Go run once per
// startup, same as the teacher's CreateGINIndexes.
func CreateNotificationSearchIndex(ctx context.Context, db *stdsql.DB, schema string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_schedule_notification_message_gin
		ON %s.schedule_notification USING gin(to_tsvector('english', message))`, schema))
	if err != nil {
		return fmt.Errorf("failed to create schedule_notification message GIN index: %w", err)
	}
	return nil
}
