// Package store persists capture session lifecycle state, schedule
// events, day snapshots, and notifications in PostgreSQL.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	stdsql "database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scheduleingest/worker/internal/diff"
	"github.com/scheduleingest/worker/internal/notify"
	"github.com/scheduleingest/worker/internal/normalize"
)

// ErrLeaseLost is returned when a lease-guarded UPDATE affects zero
// rows: another worker has already taken over, or the session moved
// to a terminal state.
var ErrLeaseLost = errors.New("store: session lease lost")

// ErrTransientStore is wrapped around every error the store's queries
// return other than sql.ErrNoRows. It does not tell connectivity or
// timeout failures apart from other database errors such as
// constraint violations.
var ErrTransientStore = errors.New("store: transient store error")

// Store is the durable persistence layer for sessions, snapshots,
// events, and notifications. All methods are safe for concurrent use
// across worker processes; exclusivity comes from row/advisory locks
// in PostgreSQL, not from in-process state.
type Store struct {
	db     *stdsql.DB
	schema string
}

// New wraps a database/sql handle already connected with the pgx
// driver for schema-qualified, advisory-locked access.
func New(db *stdsql.DB, schema string) *Store {
	return &Store{db: db, schema: schema}
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// FindFinalizableSessions returns the ids (oldest first) of sessions
// in openState whose latest image is at least idleTimeoutSeconds old
// as of now.
func (s *Store) FindFinalizableSessions(ctx context.Context, now time.Time, openState string, idleTimeoutSeconds int) ([]string, error) {
	cutoff := now.Add(-time.Duration(idleTimeoutSeconds) * time.Second)
	query := fmt.Sprintf(`
		SELECT cs.id::text AS id
		FROM %s cs
		JOIN %s ci ON ci.session_id = cs.id
		WHERE cs.state::text = $1
		GROUP BY cs.id
		HAVING MAX(ci.created_at) <= $2
		ORDER BY MAX(ci.created_at), cs.id
	`, s.table("capture_session"), s.table("capture_image"))

	rows, err := s.db.QueryContext(ctx, query, openState, cutoff)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapTransient(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapTransient(rows.Err())
}

// ClaimSessionCAS transitions sessionID from openState to
// processingState only if it is still openState, the compare-and-swap
// claim design from spec.md §4.8. Exactly one concurrent caller wins.
func (s *Store) ClaimSessionCAS(ctx context.Context, sessionID, openState, processingState string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1
		WHERE id = $2
		  AND state::text = $3
	`, s.table("capture_session"))

	result, err := s.db.ExecContext(ctx, query, processingState, sessionID, openState)
	if err != nil {
		return false, wrapTransient(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapTransient(err)
	}
	return affected == 1, nil
}

// ClaimSessionSkipLocked is the alternative claim design for stores
// that support row-locking: it picks the oldest finalizable session
// under SKIP LOCKED and stamps state + lease columns in the same
// transaction, so a concurrent claimer never blocks on this one — it
// simply sees no candidate row and moves on.
func (s *Store) ClaimSessionSkipLocked(ctx context.Context, now time.Time, idleTimeoutSeconds int, openState, processingState, workerID string) (string, bool, error) {
	cutoff := now.Add(-time.Duration(idleTimeoutSeconds) * time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, wrapTransient(err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf(`
		SELECT cs.id::text AS id
		FROM %s cs
		JOIN %s ci ON ci.session_id = cs.id
		WHERE cs.state::text = $1
		GROUP BY cs.id
		HAVING MAX(ci.created_at) <= $2
		ORDER BY MAX(ci.created_at), cs.id
		LIMIT 1
		FOR UPDATE OF cs SKIP LOCKED
	`, s.table("capture_session"), s.table("capture_image"))

	var sessionID string
	err = tx.QueryRowContext(ctx, selectQuery, openState, cutoff).Scan(&sessionID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapTransient(err)
	}

	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, locked_at = now(), locked_by = $2
		WHERE id = $3
	`, s.table("capture_session"))
	if _, err := tx.ExecContext(ctx, updateQuery, processingState, workerID, sessionID); err != nil {
		return "", false, wrapTransient(err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, wrapTransient(err)
	}
	return sessionID, true, nil
}

// RefreshLease extends a SKIP LOCKED claim's lease. Returns
// ErrLeaseLost if the session is no longer held by workerID in
// processingState — another worker's classifier should then decide
// whether it finished, failed, or was reclaimed.
func (s *Store) RefreshLease(ctx context.Context, sessionID, workerID, processingState string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_at = now()
		WHERE id = $1
		  AND locked_by = $2
		  AND state::text = $3
	`, s.table("capture_session"))

	result, err := s.db.ExecContext(ctx, query, sessionID, workerID, processingState)
	if err != nil {
		return wrapTransient(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapTransient(err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ImageRef identifies one capture image belonging to a session, in
// capture sequence order.
type ImageRef struct {
	Key      string
	Sequence int
}

// LoadSessionImages returns a session's capture images ordered by
// sequence, keyed by their object-store key.
func (s *Store) LoadSessionImages(ctx context.Context, sessionID string) ([]ImageRef, error) {
	query := fmt.Sprintf(`
		SELECT r2_key, sequence
		FROM %s
		WHERE session_id = $1
		ORDER BY sequence ASC
	`, s.table("capture_image"))

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer rows.Close()

	var refs []ImageRef
	for rows.Next() {
		var ref ImageRef
		if err := rows.Scan(&ref.Key, &ref.Sequence); err != nil {
			return nil, wrapTransient(err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapTransient(err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("store: session %s has no capture images", sessionID)
	}
	return refs, nil
}

// LoadSessionUserID returns the owning user id for a session.
func (s *Store) LoadSessionUserID(ctx context.Context, sessionID string) (int64, error) {
	query := fmt.Sprintf(`SELECT user_id FROM %s WHERE id = $1`, s.table("capture_session"))
	var userID int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&userID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return 0, fmt.Errorf("store: session not found: %s", sessionID)
	}
	if err != nil {
		return 0, wrapTransient(err)
	}
	return userID, nil
}

// SessionState reads back a session's current state, used by the
// lease-lost classifier to decide whether another worker already
// finished it.
func (s *Store) SessionState(ctx context.Context, sessionID string) (string, error) {
	query := fmt.Sprintf(`SELECT state::text FROM %s WHERE id = $1`, s.table("capture_session"))
	var state string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&state)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapTransient(err)
	}
	return state, nil
}

// MarkSessionProcessed transitions processingState → processedState,
// conditional on the session still being in processingState.
func (s *Store) MarkSessionProcessed(ctx context.Context, sessionID, processingState, processedState string) (bool, error) {
	return s.casTransition(ctx, sessionID, processingState, processedState)
}

// MarkSessionFailed transitions processingState → failedState and
// records a truncated error message (spec.md §7: at most 4000 chars).
func (s *Store) MarkSessionFailed(ctx context.Context, sessionID, processingState, failedState, errText string) (bool, error) {
	truncated := errText
	if len(truncated) > 4000 {
		truncated = truncated[:4000]
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, error = $2
		WHERE id = $3
		  AND state::text = $4
	`, s.table("capture_session"))

	result, err := s.db.ExecContext(ctx, query, failedState, truncated, sessionID, processingState)
	if err != nil {
		return false, wrapTransient(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapTransient(err)
	}
	return affected == 1, nil
}

func (s *Store) casTransition(ctx context.Context, sessionID, fromState, toState string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1
		WHERE id = $2
		  AND state::text = $3
	`, s.table("capture_session"))

	result, err := s.db.ExecContext(ctx, query, toState, sessionID, fromState)
	if err != nil {
		return false, wrapTransient(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapTransient(err)
	}
	return affected == 1, nil
}

// LoadDaySnapshot reads the current canonical shift list for
// (userID, scheduleDate), or an empty slice if none exists yet.
func (s *Store) LoadDaySnapshot(ctx context.Context, userID int64, scheduleDate string) ([]normalize.CanonicalShift, error) {
	query := fmt.Sprintf(`
		SELECT snapshot_payload
		FROM %s
		WHERE user_id = $1
		  AND schedule_date = $2
	`, s.table("day_snapshot"))

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, userID, scheduleDate).Scan(&payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTransient(err)
	}

	var wires []shiftWire
	if err := json.Unmarshal(payload, &wires); err != nil {
		return nil, fmt.Errorf("store: day_snapshot.snapshot_payload must be a JSON array: %w", err)
	}
	shifts := make([]normalize.CanonicalShift, len(wires))
	for i, w := range wires {
		shifts[i] = w.toCanonicalShift()
	}
	return shifts, nil
}

// PersistEventsAndSnapshot idempotently inserts each event and
// upserts the day snapshot, all within one transaction guarded by a
// per-(user, date) advisory lock so concurrent observations of the
// same day serialize.
func (s *Store) PersistEventsAndSnapshot(ctx context.Context, userID int64, scheduleDate, sourceSessionID string, events []diff.ScheduleEvent, snapshot []normalize.CanonicalShift, detectedAt time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapTransient(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(userID, scheduleDate)); err != nil {
		return 0, wrapTransient(err)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			event_id, user_id, schedule_date, event_type,
			location_fingerprint, customer_fingerprint,
			old_value_hash, new_value_hash, old_value, new_value,
			detected_at, source_session_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12)
		ON CONFLICT (user_id, schedule_date, location_fingerprint, event_type, old_value_hash, new_value_hash)
		DO NOTHING
	`, s.table("schedule_event"))

	inserted := 0
	for _, event := range events {
		row, err := newEventRow(userID, scheduleDate, sourceSessionID, event)
		if err != nil {
			return 0, err
		}
		result, err := tx.ExecContext(ctx, insertQuery,
			row.eventID, row.userID, row.scheduleDate, row.eventType,
			row.locationFingerprint, row.customerFingerprint,
			row.oldValueHash, row.newValueHash, row.oldValueJSON, row.newValueJSON,
			detectedAt, row.sourceSessionID,
		)
		if err != nil {
			return 0, wrapTransient(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, wrapTransient(err)
		}
		inserted += int(affected)
	}

	snapshotPayload, err := snapshotToJSON(snapshot)
	if err != nil {
		return 0, err
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (user_id, schedule_date, snapshot_payload, source_session_id, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (user_id, schedule_date)
		DO UPDATE
		SET snapshot_payload = EXCLUDED.snapshot_payload,
		    source_session_id = EXCLUDED.source_session_id,
		    updated_at = EXCLUDED.updated_at
	`, s.table("day_snapshot"))
	if _, err := tx.ExecContext(ctx, upsertQuery, userID, scheduleDate, snapshotPayload, sourceSessionID, detectedAt); err != nil {
		return 0, wrapTransient(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapTransient(err)
	}
	return inserted, nil
}

// ProcessObservation loads the prior snapshot, diffs it against
// currentSnapshot, and persists the resulting events and new snapshot
// atomically. It returns the computed events so callers can build
// notifications from them.
func (s *Store) ProcessObservation(ctx context.Context, userID int64, scheduleDate, sourceSessionID string, currentSnapshot []normalize.CanonicalShift, detectedAt time.Time) ([]diff.ScheduleEvent, error) {
	previous, err := s.LoadDaySnapshot(ctx, userID, scheduleDate)
	if err != nil {
		return nil, err
	}
	events, err := diff.DiffSchedules(previous, currentSnapshot, scheduleDate)
	if err != nil {
		return nil, err
	}
	if _, err := s.PersistEventsAndSnapshot(ctx, userID, scheduleDate, sourceSessionID, events, currentSnapshot, detectedAt); err != nil {
		return nil, err
	}
	return events, nil
}

// LoadSessionEvents reads back the events persisted for
// sourceSessionID, ordered by detection time then id, ready to hand to
// notify.BuildNotifications. Mirrors run_forever.py's
// _load_session_events query.
func (s *Store) LoadSessionEvents(ctx context.Context, sourceSessionID string) ([]notify.ScheduleEvent, error) {
	query := fmt.Sprintf(`
		SELECT
			event_id::text, user_id, schedule_date, event_type,
			location_fingerprint, customer_fingerprint,
			old_value, new_value, detected_at, source_session_id
		FROM %s
		WHERE source_session_id = $1
		ORDER BY detected_at ASC, event_id ASC
	`, s.table("schedule_event"))

	rows, err := s.db.QueryContext(ctx, query, sourceSessionID)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer rows.Close()

	var events []notify.ScheduleEvent
	for rows.Next() {
		var (
			eventID, eventType, locationFingerprint, customerFingerprint, sourceID string
			userID                                                                int64
			scheduleDate, detectedAt                                              time.Time
			oldValue, newValue                                                    []byte
		)
		if err := rows.Scan(&eventID, &userID, &scheduleDate, &eventType,
			&locationFingerprint, &customerFingerprint, &oldValue, &newValue, &detectedAt, &sourceID); err != nil {
			return nil, wrapTransient(err)
		}

		oldShift, err := decodeShiftJSON(oldValue)
		if err != nil {
			return nil, err
		}
		newShift, err := decodeShiftJSON(newValue)
		if err != nil {
			return nil, err
		}

		events = append(events, notify.ScheduleEvent{
			EventID:             eventID,
			UserID:              userID,
			ScheduleDate:        scheduleDate.Format("2006-01-02"),
			EventType:           eventType,
			LocationFingerprint: locationFingerprint,
			CustomerFingerprint: customerFingerprint,
			OldValue:            oldShift,
			NewValue:            newShift,
			SourceSessionID:     sourceID,
			DetectedAt:          &detectedAt,
		})
	}
	return events, wrapTransient(rows.Err())
}

func decodeShiftJSON(payload []byte) (*normalize.CanonicalShift, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var wire shiftWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("store: decode event shift payload: %w", err)
	}
	shift := wire.toCanonicalShift()
	return &shift, nil
}

// PersistNotifications inserts each notification with status
// "pending", ignoring rows whose notification_id already exists.
func (s *Store) PersistNotifications(ctx context.Context, notifications []notify.UserNotification) error {
	if len(notifications) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			notification_id, user_id, schedule_date, source_session_id,
			status, notification_type, message, event_ids, created_at
		)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, now())
		ON CONFLICT (notification_id) DO NOTHING
	`, s.table("schedule_notification"))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapTransient(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range notifications {
		eventIDs, err := json.Marshal(n.EventIDs)
		if err != nil {
			return fmt.Errorf("store: marshal event_ids: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, n.NotificationID, n.UserID, n.ScheduleDate, n.SourceSessionID, n.NotificationType, n.Message, eventIDs); err != nil {
			return wrapTransient(err)
		}
	}
	return wrapTransient(tx.Commit())
}

type eventRow struct {
	eventID             string
	userID              int64
	scheduleDate        string
	eventType           string
	locationFingerprint string
	customerFingerprint string
	oldValueHash        string
	newValueHash        string
	oldValueJSON        *string
	newValueJSON        *string
	sourceSessionID     string
}

func newEventRow(userID int64, scheduleDate, sourceSessionID string, event diff.ScheduleEvent) (eventRow, error) {
	eventType, oldShift, newShift := eventShape(event)
	locationSource, customerSource := newShift, newShift
	if locationSource == nil {
		locationSource = oldShift
	}
	if customerSource == nil {
		customerSource = oldShift
	}
	if locationSource == nil || customerSource == nil {
		return eventRow{}, fmt.Errorf("store: invalid event payload for %s: missing shift identity", eventType)
	}

	oldJSON, oldHash := shiftJSONAndHash(oldShift)
	newJSON, newHash := shiftJSONAndHash(newShift)

	return eventRow{
		eventID:             newEventID(),
		userID:              userID,
		scheduleDate:        scheduleDate,
		eventType:           eventType,
		locationFingerprint: locationSource.LocationFingerprint,
		customerFingerprint: customerSource.CustomerFingerprint,
		oldValueHash:        oldHash,
		newValueHash:        newHash,
		oldValueJSON:        oldJSON,
		newValueJSON:        newJSON,
		sourceSessionID:     sourceSessionID,
	}, nil
}

func eventShape(event diff.ScheduleEvent) (eventType string, oldShift, newShift *normalize.CanonicalShift) {
	switch event.Kind {
	case diff.EventShiftAdded:
		return notify.EventTypeShiftAdded, nil, event.Shift
	case diff.EventShiftRemoved:
		return notify.EventTypeShiftRemoved, event.Shift, nil
	case diff.EventShiftTimeChanged:
		return notify.EventTypeShiftTimeChanged, event.Before, event.After
	case diff.EventShiftRelocated:
		return notify.EventTypeShiftRelocated, event.Before, event.After
	case diff.EventShiftRetitled:
		return notify.EventTypeShiftRetitled, event.Before, event.After
	case diff.EventShiftReclassified:
		return notify.EventTypeShiftReclassified, event.Before, event.After
	default:
		return string(event.Kind), event.Before, event.After
	}
}

type shiftWire struct {
	City                string `json:"city"`
	CustomerFingerprint string `json:"customer_fingerprint"`
	CustomerName        string `json:"customer_name"`
	End                 string `json:"end"`
	LocationFingerprint string `json:"location_fingerprint"`
	PostalArea          string `json:"postal_area"`
	PostalCode          string `json:"postal_code"`
	RawTypeLabel        string `json:"raw_type_label"`
	ShiftType           string `json:"shift_type"`
	Start               string `json:"start"`
	Street              string `json:"street"`
	StreetNumber        string `json:"street_number"`
}

func shiftToWire(shift normalize.CanonicalShift) shiftWire {
	return shiftWire{
		City:                shift.City,
		CustomerFingerprint: shift.CustomerFingerprint,
		CustomerName:        shift.CustomerName,
		End:                 shift.End,
		LocationFingerprint: shift.LocationFingerprint,
		PostalArea:          shift.PostalArea,
		PostalCode:          shift.PostalCode,
		RawTypeLabel:        shift.RawTypeLabel,
		ShiftType:           string(shift.ShiftType),
		Start:               shift.Start,
		Street:              shift.Street,
		StreetNumber:        shift.StreetNumber,
	}
}

func (w shiftWire) toCanonicalShift() normalize.CanonicalShift {
	return normalize.CanonicalShift{
		Start:               w.Start,
		End:                 w.End,
		CustomerName:        w.CustomerName,
		CustomerFingerprint: w.CustomerFingerprint,
		Street:              w.Street,
		StreetNumber:        w.StreetNumber,
		PostalCode:          w.PostalCode,
		PostalArea:          w.PostalArea,
		City:                w.City,
		LocationFingerprint: w.LocationFingerprint,
		ShiftType:           normalize.ShiftType(w.ShiftType),
		RawTypeLabel:        w.RawTypeLabel,
	}
}

// compactJSON marshals v with sorted (struct-declared) keys, no HTML
// escaping, and no trailing newline — matching
// json.dumps(value, sort_keys=True, separators=(",", ":"), ensure_ascii=False).
func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("store: encode json: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func shiftJSONAndHash(shift *normalize.CanonicalShift) (*string, string) {
	if shift == nil {
		return nil, valueHash("null")
	}
	encoded, err := compactJSON(shiftToWire(*shift))
	if err != nil {
		encoded = "null"
	}
	return &encoded, valueHash(encoded)
}

func valueHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func snapshotToJSON(shifts []normalize.CanonicalShift) (string, error) {
	wires := make([]shiftWire, len(shifts))
	for i, shift := range shifts {
		wires[i] = shiftToWire(shift)
	}
	if wires == nil {
		wires = []shiftWire{}
	}
	return compactJSON(wires)
}

func advisoryLockKey(userID int64, scheduleDate string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%d|%s", userID, scheduleDate)))
	return int64(h.Sum64())
}

func newEventID() string {
	return uuid.New().String()
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, stdsql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransientStore, err)
}
