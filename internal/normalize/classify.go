package normalize

import (
	"strings"

	"github.com/scheduleingest/worker/internal/layout"
)

// classificationToken pairs a shift type with the substrings that
// identify it and the canonical raw_type_label to report when one of
// them matches.
type classificationToken struct {
	shiftType ShiftType
	label     string
	tokens    []string
}

// classificationTable is checked in order; the first shift type whose
// tokens appear anywhere in the combined text wins. WORK is deliberately
// last among the named activities since an address alone is a weaker
// signal than an explicit activity word.
var classificationTable = []classificationToken{
	{ShiftUnavailable, "Ej Disponibel", []string{"ej disponibel", "otillganglig", "unavailable", "ledigt"}},
	{ShiftLeave, "Semester", []string{"semester", "ledig", "vab", "sjuk", "foraldraledig"}},
	{ShiftTraining, "Utbildning", []string{"utbildning", "training", "kurs", "introduktion"}},
	{ShiftMeeting, "Mote", []string{"mote", "meeting", "konferens"}},
	{ShiftAdmin, "Administration", []string{"admin", "dokumentation", "rapport"}},
	{ShiftBreak, "Lunch", []string{"lunch", "rast", "fika", "paus", "break"}},
	{ShiftTravel, "Resa", []string{"resa", "transport", "korning"}},
	{ShiftWork, "Stadservice", []string{"stadservice", "stadning", "storstadning", "hemstadning", "skola", "kontor", "vard av barn", "clickandgo"}},
}

// classify decides a shift's type and raw_type_label hierarchically:
// the raw hint alone, then title+address+location combined, then an
// address-derived fallback to WORK/UNKNOWN.
func classify(e layout.Entry, address AddressParts, jobTypeHint string) (ShiftType, string) {
	hintOnly := strings.ToLower(normalizeText(jobTypeHint))
	if shiftType, ok := matchClassification(hintOnly); ok {
		return shiftType, rawTypeLabel(jobTypeHint, shiftType, address)
	}

	combined := strings.Join([]string{
		strings.ToLower(normalizeText(e.Title)),
		strings.ToLower(normalizeText(e.Address)),
		strings.ToLower(normalizeText(e.Location)),
		hintOnly,
	}, " ")
	if shiftType, ok := matchClassification(combined); ok {
		return shiftType, rawTypeLabel(jobTypeHint, shiftType, address)
	}

	if address.Street != "" && address.StreetNumber != "" {
		return ShiftWork, rawTypeLabel(jobTypeHint, ShiftWork, address)
	}
	return ShiftUnknown, rawTypeLabel(jobTypeHint, ShiftUnknown, address)
}

func matchClassification(text string) (ShiftType, bool) {
	if text == "" {
		return "", false
	}
	for _, entry := range classificationTable {
		for _, token := range entry.tokens {
			if strings.Contains(text, token) {
				return entry.shiftType, true
			}
		}
	}
	return "", false
}
