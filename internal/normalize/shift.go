// Package normalize turns a layout.Entry into a CanonicalShift: cleaned
// fields, a classified shift type, and the two identity fingerprints
// from internal/entity.
package normalize

import (
	"fmt"

	"github.com/scheduleingest/worker/internal/entity"
	"github.com/scheduleingest/worker/internal/layout"
)

// ShiftType is the classified activity kind of a canonical shift.
type ShiftType string

const (
	ShiftWork        ShiftType = "WORK"
	ShiftTravel      ShiftType = "TRAVEL"
	ShiftTraining    ShiftType = "TRAINING"
	ShiftBreak       ShiftType = "BREAK"
	ShiftMeeting     ShiftType = "MEETING"
	ShiftAdmin       ShiftType = "ADMIN"
	ShiftLeave       ShiftType = "LEAVE"
	ShiftUnavailable ShiftType = "UNAVAILABLE"
	ShiftUnknown     ShiftType = "UNKNOWN"
)

// ShiftTypePriority orders shift types for aggregation merge decisions:
// higher wins. UNKNOWN always loses regardless of this table.
var ShiftTypePriority = map[ShiftType]int{
	ShiftWork:        8,
	ShiftUnavailable: 7,
	ShiftTraining:    6,
	ShiftLeave:       5,
	ShiftAdmin:       4,
	ShiftMeeting:     3,
	ShiftTravel:      2,
	ShiftBreak:       1,
	ShiftUnknown:     0,
}

// CanonicalShift is the normalized, equivalence-class representation
// of one scheduled time slot at one location with one customer.
type CanonicalShift struct {
	Start                string
	End                  string
	CustomerName         string
	CustomerFingerprint  string
	Street               string
	StreetNumber         string
	PostalCode           string
	PostalArea           string
	City                 string
	LocationFingerprint  string
	ShiftType            ShiftType
	RawTypeLabel         string
}

// AddressParts is the decomposed address of an Entry.
type AddressParts struct {
	Street       string
	StreetNumber string
	PostalCode   string
	PostalArea   string
	City         string
}

// InvalidTimeError reports a malformed or out-of-range HH:MM value.
type InvalidTimeError struct {
	Field string
	Value string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid %s value: %q", e.Field, e.Value)
}

// Normalize converts one layout.Entry into a CanonicalShift.
func Normalize(e layout.Entry) (CanonicalShift, error) {
	customerTitle, jobTypeHint := splitTitleComponents(e.Title)
	rawCustomerSource := customerTitle
	if rawCustomerSource == "" {
		rawCustomerSource = e.Title
	}
	customerName := normalizeCustomerName(rawCustomerSource)
	address := decomposeAddress(e.Address, e.Location)

	start, err := normalizeTimeValue(e.Start, "start")
	if err != nil {
		return CanonicalShift{}, err
	}
	end, err := normalizeTimeValue(e.End, "end")
	if err != nil {
		return CanonicalShift{}, err
	}

	shiftType, rawLabel := classify(e, address, jobTypeHint)

	if shiftType != ShiftWork && address.Street == "" && address.StreetNumber == "" && address.City == "" && address.PostalArea == "" {
		customerName = ""
	}

	identityAnchor := firstNonEmpty(customerName, rawLabel, string(shiftType))

	return CanonicalShift{
		Start:               start,
		End:                 end,
		CustomerName:        customerName,
		CustomerFingerprint: entity.CustomerFingerprint(identityAnchor),
		Street:              address.Street,
		StreetNumber:        address.StreetNumber,
		PostalCode:          address.PostalCode,
		PostalArea:          address.PostalArea,
		City:                address.City,
		LocationFingerprint: entity.LocationFingerprint(address.Street, address.StreetNumber, address.PostalArea, address.City),
		ShiftType:           shiftType,
		RawTypeLabel:        rawLabel,
	}, nil
}

// NormalizeEntries normalizes a batch of entries, stopping at the first
// error so a malformed entry doesn't silently drop from the schedule.
func NormalizeEntries(entries []layout.Entry) ([]CanonicalShift, error) {
	shifts := make([]CanonicalShift, 0, len(entries))
	for i, e := range entries {
		shift, err := Normalize(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		shifts = append(shifts, shift)
	}
	return shifts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
