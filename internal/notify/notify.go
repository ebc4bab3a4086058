// Package notify turns persisted schedule events into deduplicated,
// human-readable notifications for a user.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scheduleingest/worker/internal/normalize"
)

const (
	EventTypeShiftAdded        = "shift_added"
	EventTypeShiftRemoved      = "shift_removed"
	EventTypeShiftTimeChanged  = "shift_time_changed"
	EventTypeShiftRelocated    = "shift_relocated"
	EventTypeShiftRetitled     = "shift_retitled"
	EventTypeShiftReclassified = "shift_reclassified"
)

// ScheduleEvent is a persisted change event as read back from the
// event store, ready to be turned into a notification.
type ScheduleEvent struct {
	EventID             string
	UserID              int64
	ScheduleDate        string
	EventType           string
	LocationFingerprint string
	CustomerFingerprint string
	OldValue            *normalize.CanonicalShift
	NewValue            *normalize.CanonicalShift
	SourceSessionID     string
	DetectedAt          *time.Time
}

// UserNotification is one message ready for delivery to a user.
type UserNotification struct {
	NotificationID    string
	UserID            int64
	ScheduleDate      string
	SourceSessionID   string
	Message           string
	NotificationType  string // "summary" or "event"
	EventIDs          []string
}

// BuildNotifications groups fresh events by (user, date, session),
// emits one summary notification when a group meets summaryThreshold
// or one message per event otherwise, and skips anything already in
// alreadyNotifiedEventIDs (matched by event id, or a semantic fallback
// key when the event id is blank).
func BuildNotifications(events []ScheduleEvent, summaryThreshold int, today *string, alreadyNotifiedEventIDs map[string]bool) ([]UserNotification, error) {
	if summaryThreshold <= 0 {
		return nil, fmt.Errorf("summary_threshold must be > 0")
	}
	seen := make(map[string]bool, len(alreadyNotifiedEventIDs))
	for k, v := range alreadyNotifiedEventIDs {
		if v {
			seen[k] = true
		}
	}

	normalized := append([]ScheduleEvent(nil), events...)
	sort.SliceStable(normalized, func(i, j int) bool {
		return eventSortKey(normalized[i]) < eventSortKey(normalized[j])
	})

	var fresh []ScheduleEvent
	for _, event := range normalized {
		dedupeKey := event.EventID
		if dedupeKey == "" {
			dedupeKey = semanticEventKey(event)
		}
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true
		fresh = append(fresh, event)
	}

	type groupKey struct {
		userID          int64
		scheduleDate    string
		sourceSessionID string
	}
	groups := make(map[groupKey][]ScheduleEvent)
	var groupOrder []groupKey
	for _, event := range fresh {
		key := groupKey{userID: event.UserID, scheduleDate: event.ScheduleDate, sourceSessionID: event.SourceSessionID}
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], event)
	}

	sort.Slice(groupOrder, func(i, j int) bool {
		a, b := groupOrder[i], groupOrder[j]
		if a.userID != b.userID {
			return a.userID < b.userID
		}
		if a.scheduleDate != b.scheduleDate {
			return a.scheduleDate < b.scheduleDate
		}
		return a.sourceSessionID < b.sourceSessionID
	})

	var notifications []UserNotification
	for _, key := range groupOrder {
		groupEvents := groups[key]

		if len(groupEvents) >= summaryThreshold {
			message := fmt.Sprintf("%d shifts updated for %s", len(groupEvents), dayLabel(key.scheduleDate, today))
			parts := append([]string{"summary"}, eventIDs(groupEvents)...)
			notifications = append(notifications, UserNotification{
				NotificationID:   notificationID(key.userID, key.scheduleDate, key.sourceSessionID, parts),
				UserID:           key.userID,
				ScheduleDate:     key.scheduleDate,
				SourceSessionID:  key.sourceSessionID,
				Message:          message,
				NotificationType: "summary",
				EventIDs:         eventIDs(groupEvents),
			})
			continue
		}

		for _, event := range groupEvents {
			message := eventMessage(event, today)
			notifications = append(notifications, UserNotification{
				NotificationID:   notificationID(key.userID, key.scheduleDate, key.sourceSessionID, []string{event.EventID}),
				UserID:           key.userID,
				ScheduleDate:     key.scheduleDate,
				SourceSessionID:  key.sourceSessionID,
				Message:          message,
				NotificationType: "event",
				EventIDs:         []string{event.EventID},
			})
		}
	}

	return notifications, nil
}

func eventIDs(events []ScheduleEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	return ids
}

func eventSortKey(event ScheduleEvent) string {
	start := "99:99"
	if event.NewValue != nil {
		start = event.NewValue.Start
	} else if event.OldValue != nil {
		start = event.OldValue.Start
	}
	detectedAt := ""
	if event.DetectedAt != nil {
		detectedAt = event.DetectedAt.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join([]string{
		fmt.Sprintf("%020d", event.UserID),
		event.ScheduleDate,
		start,
		event.LocationFingerprint,
		event.EventType,
		event.SourceSessionID,
		detectedAt,
		event.EventID,
	}, "\x1f")
}

func eventMessage(event ScheduleEvent, today *string) string {
	dayUpper := dayLabelCapitalized(event.ScheduleDate, today)
	dayLower := dayLabel(event.ScheduleDate, today)

	switch event.EventType {
	case EventTypeShiftAdded:
		return fmt.Sprintf("New shift added %s %s–%s in %s",
			dayLower, shiftField(event.NewValue, "start", "--:--"), shiftField(event.NewValue, "end", "--:--"), shiftField(event.NewValue, "city", "unknown location"))
	case EventTypeShiftRemoved:
		return fmt.Sprintf("Shift removed %s %s–%s in %s",
			dayLower, shiftField(event.OldValue, "start", "--:--"), shiftField(event.OldValue, "end", "--:--"), shiftField(event.OldValue, "city", "unknown location"))
	case EventTypeShiftTimeChanged:
		return fmt.Sprintf("%s %s shift moved %s",
			dayUpper, firstNonEmptyField(event.NewValue, event.OldValue, "city", "shift"), timeChangePhrase(event.OldValue, event.NewValue))
	case EventTypeShiftRelocated:
		return fmt.Sprintf("%s %s shift moved to %s",
			dayUpper, firstNonEmptyField(event.NewValue, event.OldValue, "start", "--:--"), shiftField(event.NewValue, "city", "unknown location"))
	case EventTypeShiftReclassified:
		typeText := shiftField(event.NewValue, "raw_type_label", "")
		if typeText == "" {
			typeText = shiftTypeLabel(shiftField(event.NewValue, "shift_type", "UNKNOWN"))
		}
		return fmt.Sprintf("%s job updated to %s", dayUpper, typeText)
	case EventTypeShiftRetitled:
		return fmt.Sprintf("%s shift updated for %s",
			dayUpper, firstNonEmptyField(event.NewValue, event.OldValue, "customer_name", "customer"))
	default:
		return fmt.Sprintf("%s schedule updated", dayUpper)
	}
}

func timeChangePhrase(oldShift, newShift *normalize.CanonicalShift) string {
	oldStart := shiftField(oldShift, "start", "--:--")
	oldEnd := shiftField(oldShift, "end", "--:--")
	newStart := shiftField(newShift, "start", "--:--")
	newEnd := shiftField(newShift, "end", "--:--")

	startChanged := oldStart != newStart
	endChanged := oldEnd != newEnd

	switch {
	case startChanged && !endChanged:
		return fmt.Sprintf("%s → %s", oldStart, newStart)
	case endChanged && !startChanged:
		return fmt.Sprintf("ends %s → %s", oldEnd, newEnd)
	default:
		return fmt.Sprintf("%s–%s → %s–%s", oldStart, oldEnd, newStart, newEnd)
	}
}

func shiftTypeLabel(value string) string {
	mapping := map[string]string{
		"WORK":        "Work shift",
		"TRAVEL":      "Travel",
		"TRAINING":    "Training",
		"BREAK":       "Break",
		"MEETING":     "Meeting",
		"ADMIN":       "Administrative task",
		"LEAVE":       "Leave",
		"UNAVAILABLE": "Unavailable",
		"SCHOOL":      "Work shift",
		"OFFICE":      "Work shift",
		"HOME_VISIT":  "Work shift",
		"UNKNOWN":     "Unknown job type",
	}
	if label, ok := mapping[value]; ok {
		return label
	}
	return titleCase(value)
}

func titleCase(value string) string {
	if value == "" {
		return value
	}
	words := strings.Fields(strings.ToLower(value))
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func dayLabel(scheduleDate string, today *string) string {
	if today == nil {
		return "on " + scheduleDate
	}
	if scheduleDate == *today {
		return "today"
	}
	todayParsed, err1 := time.Parse("2006-01-02", *today)
	dateParsed, err2 := time.Parse("2006-01-02", scheduleDate)
	if err1 == nil && err2 == nil && dateParsed.Equal(todayParsed.AddDate(0, 0, 1)) {
		return "tomorrow"
	}
	return "on " + scheduleDate
}

func dayLabelCapitalized(scheduleDate string, today *string) string {
	label := dayLabel(scheduleDate, today)
	if label == "" {
		return label
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

func notificationID(userID int64, scheduleDate, sourceSessionID string, parts []string) string {
	payload := strings.Join(append([]string{fmt.Sprintf("%d", userID), scheduleDate, sourceSessionID}, parts...), "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func semanticEventKey(event ScheduleEvent) string {
	payload := strings.Join([]string{
		fmt.Sprintf("%d", event.UserID),
		event.ScheduleDate,
		event.SourceSessionID,
		event.EventType,
		event.LocationFingerprint,
		event.CustomerFingerprint,
		valueKey(event.OldValue),
		valueKey(event.NewValue),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func valueKey(shift *normalize.CanonicalShift) string {
	if shift == nil {
		return "null"
	}
	fields := []struct {
		key   string
		value string
	}{
		{"city", shift.City},
		{"customer_fingerprint", shift.CustomerFingerprint},
		{"customer_name", shift.CustomerName},
		{"end", shift.End},
		{"location_fingerprint", shift.LocationFingerprint},
		{"postal_area", shift.PostalArea},
		{"postal_code", shift.PostalCode},
		{"raw_type_label", shift.RawTypeLabel},
		{"shift_type", string(shift.ShiftType)},
		{"start", shift.Start},
		{"street", shift.Street},
		{"street_number", shift.StreetNumber},
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.key + ":" + f.value
	}
	return strings.Join(parts, "|")
}

// shiftField reads one field off a possibly-nil canonical shift,
// mirroring dict.get(key, default) for a missing observation.
func shiftField(shift *normalize.CanonicalShift, field, def string) string {
	if shift == nil {
		return def
	}
	switch field {
	case "start":
		return shift.Start
	case "end":
		return shift.End
	case "city":
		return shift.City
	case "customer_name":
		return shift.CustomerName
	case "raw_type_label":
		return shift.RawTypeLabel
	case "shift_type":
		return string(shift.ShiftType)
	default:
		return def
	}
}

func firstNonEmptyField(primary, fallback *normalize.CanonicalShift, field, def string) string {
	if primary != nil {
		if v := shiftField(primary, field, ""); v != "" {
			return v
		}
	}
	if fallback != nil {
		if v := shiftField(fallback, field, ""); v != "" {
			return v
		}
	}
	return def
}
