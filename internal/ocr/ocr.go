// Package ocr adapts raw screenshot bytes into the OCR text boxes
// internal/layout consumes, and resolves the schedule date printed on
// a capture session's images.
package ocr

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/scheduleingest/worker/internal/layout"
)

// Adapter turns one screenshot's bytes into OCR text boxes. A real
// implementation wraps a cloud or on-device OCR engine; FixtureAdapter
// below is the deterministic stand-in used by tests and fixture-mode
// ingestion.
type Adapter interface {
	Extract(ctx context.Context, imageBytes []byte) ([]layout.Box, error)
}

// FixtureAdapter resolves pre-extracted OCR boxes by an opaque key
// (the object-store key of the source image) instead of running OCR,
// mirroring run_forever.py's WORKER_INPUT_MODE=fixture path.
type FixtureAdapter struct {
	boxesByKey map[string][]layout.Box
}

// NewFixtureAdapter builds a FixtureAdapter from a preloaded fixture
// map (see internal/config/fixtures.go for the on-disk JSON shape).
func NewFixtureAdapter(boxesByKey map[string][]layout.Box) *FixtureAdapter {
	return &FixtureAdapter{boxesByKey: boxesByKey}
}

// ExtractByKey returns the fixture boxes registered for key.
func (a *FixtureAdapter) ExtractByKey(key string) ([]layout.Box, error) {
	boxes, ok := a.boxesByKey[key]
	if !ok {
		return nil, fmt.Errorf("ocr: no fixture boxes registered for key %q", key)
	}
	return boxes, nil
}

// Extract implements Adapter by treating imageBytes as the UTF-8
// fixture key itself — the shape fixture-mode ingestion uses when the
// object store already hands back a key rather than pixel data.
func (a *FixtureAdapter) Extract(_ context.Context, imageBytes []byte) ([]layout.Box, error) {
	return a.ExtractByKey(string(imageBytes))
}

var (
	dateWithWeekdayRE = regexp.MustCompile(`\b([A-Za-zÅÄÖåäö]+)\s+(\d{1,2})\s+([A-Za-zÅÄÖåäö]+)(?:\s+(\d{4}))?\b`)
	dateDayMonthRE    = regexp.MustCompile(`\b(\d{1,2})\s+([A-Za-zÅÄÖåäö]+)(?:\s+(\d{4}))?\b`)
)

var weekdayNames = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"mandag": true, "tisdag": true, "onsdag": true, "torsdag": true,
	"fredag": true, "lordag": true, "sondag": true,
}

var monthNames = map[string]int{
	"jan": 1, "january": 1, "januari": 1,
	"feb": 2, "february": 2, "februari": 2,
	"mar": 3, "march": 3, "mars": 3,
	"apr": 4, "april": 4,
	"may": 5, "maj": 5,
	"jun": 6, "june": 6, "juni": 6,
	"jul": 7, "july": 7, "juli": 7,
	"aug": 8, "august": 8, "augusti": 8,
	"sep": 9, "sept": 9, "september": 9,
	"oct": 10, "october": 10, "okt": 10, "oktober": 10,
	"nov": 11, "november": 11,
	"dec": 12, "december": 12,
}

type dateCandidate struct {
	date            string
	hasWeekday      bool
	hasExplicitYear bool
	sourcePriority  int
	textLength      int
	h               float64
	y               float64
}

// ExtractScheduleDate finds the best schedule-date candidate among
// boxes located in the image's top band, preferring (in order) a
// weekday-qualified match, an explicit year, a line-joined candidate
// over a single box, a taller line, a longer text, and finally the
// highest (smallest y) position. defaultYear fills in a missing year
// when no candidate carries one explicitly; nil rejects such
// candidates entirely.
func ExtractScheduleDate(boxes []layout.Box, defaultYear *int) (string, error) {
	var candidates []dateCandidate
	for _, text := range candidateTexts(boxes) {
		for _, parsed := range parseDateCandidates(text.text, defaultYear) {
			candidates = append(candidates, dateCandidate{
				date:            parsed.date,
				hasWeekday:      parsed.hasWeekday,
				hasExplicitYear: parsed.hasExplicitYear,
				sourcePriority:  text.sourcePriority,
				textLength:      len(text.text),
				h:               text.h,
				y:               text.y,
			})
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("ocr: could not resolve schedule date from OCR text")
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if candidateLess(best, c) {
			best = c
		}
	}
	return best.date, nil
}

func candidateLess(a, b dateCandidate) bool {
	ra := candidateRank(a)
	rb := candidateRank(b)
	for i := range ra {
		if ra[i] != rb[i] {
			return ra[i] < rb[i]
		}
	}
	return false
}

// candidateRank mirrors the Python max() key tuple, with -y encoded
// as a rank so "smaller y wins" falls out of ordinary ascending
// comparison alongside the other (larger-is-better) fields.
func candidateRank(c dateCandidate) [6]float64 {
	weekday := 0.0
	if c.hasWeekday {
		weekday = 1
	}
	explicitYear := 0.0
	if c.hasExplicitYear {
		explicitYear = 1
	}
	return [6]float64{weekday, explicitYear, float64(c.sourcePriority), c.h, float64(c.textLength), -c.y}
}

type textCandidate struct {
	text           string
	y              float64
	h              float64
	sourcePriority int
}

func candidateTexts(boxes []layout.Box) []textCandidate {
	type normalizedBox struct {
		text string
		x, y, h float64
	}
	var normalized []normalizedBox
	for _, box := range boxes {
		cleaned := strings.Join(strings.Fields(box.Text), " ")
		if cleaned == "" {
			continue
		}
		h := box.H
		if h < 1.0 {
			h = 1.0
		}
		normalized = append(normalized, normalizedBox{text: cleaned, x: box.X, y: box.Y, h: h})
	}
	if len(normalized) == 0 {
		return nil
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		if normalized[i].y != normalized[j].y {
			return normalized[i].y < normalized[j].y
		}
		return normalized[i].x < normalized[j].x
	})

	minY, maxYPlusH := normalized[0].y, normalized[0].y+normalized[0].h
	var heights []float64
	for _, b := range normalized {
		if b.y < minY {
			minY = b.y
		}
		if b.y+b.h > maxYPlusH {
			maxYPlusH = b.y + b.h
		}
		heights = append(heights, b.h)
	}
	verticalSpan := maxYPlusH - minY
	if verticalSpan < 1.0 {
		verticalSpan = 1.0
	}
	topBandLimit := minY + maxFloat(400.0, verticalSpan*0.45)
	lineThreshold := maxFloat(8.0, median(heights)*0.6)

	var lineCandidates []textCandidate
	var current []normalizedBox
	currentCenter := 0.0
	flush := func() {
		if len(current) == 0 {
			return
		}
		sorted := append([]normalizedBox(nil), current...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].x < sorted[j].x })
		var parts []string
		var ys, hs []float64
		for _, b := range sorted {
			parts = append(parts, b.text)
			ys = append(ys, b.y)
			hs = append(hs, b.h)
		}
		lineText := strings.Join(parts, " ")
		lineY := minFloat(ys)
		lineH := median(hs)
		if lineText != "" && lineY <= topBandLimit {
			lineCandidates = append(lineCandidates, textCandidate{text: lineText, y: lineY, h: lineH, sourcePriority: 1})
		}
	}
	for _, b := range normalized {
		center := b.y + b.h/2.0
		if len(current) == 0 {
			current = []normalizedBox{b}
			currentCenter = center
			continue
		}
		if absFloat(center-currentCenter) <= lineThreshold {
			current = append(current, b)
			currentCenter = (currentCenter*float64(len(current)-1) + center) / float64(len(current))
			continue
		}
		flush()
		current = []normalizedBox{b}
		currentCenter = center
	}
	flush()

	var boxCandidates []textCandidate
	for _, b := range normalized {
		if b.y <= topBandLimit {
			boxCandidates = append(boxCandidates, textCandidate{text: b.text, y: b.y, h: b.h, sourcePriority: 0})
		}
	}

	return append(lineCandidates, boxCandidates...)
}

type parsedDate struct {
	date            string
	hasWeekday      bool
	hasExplicitYear bool
}

func parseDateCandidates(text string, defaultYear *int) []parsedDate {
	var out []parsedDate
	for _, m := range dateWithWeekdayRE.FindAllStringSubmatch(text, -1) {
		weekdayToken := normalizeDateToken(m[1])
		if !weekdayNames[weekdayToken] {
			continue
		}
		date, hasYear, ok := buildDate(m[2], m[3], m[4], defaultYear)
		if ok {
			out = append(out, parsedDate{date: date, hasWeekday: true, hasExplicitYear: hasYear})
		}
	}
	for _, m := range dateDayMonthRE.FindAllStringSubmatch(text, -1) {
		date, hasYear, ok := buildDate(m[1], m[2], m[3], defaultYear)
		if ok {
			out = append(out, parsedDate{date: date, hasWeekday: false, hasExplicitYear: hasYear})
		}
	}
	return out
}

func buildDate(dayValue, monthValue, yearValue string, defaultYear *int) (string, bool, bool) {
	monthKey := normalizeDateToken(monthValue)
	month, ok := monthNames[monthKey]
	if !ok {
		return "", false, false
	}
	day, err := strconv.Atoi(dayValue)
	if err != nil {
		return "", false, false
	}

	hasExplicitYear := yearValue != ""
	var year int
	if hasExplicitYear {
		year, err = strconv.Atoi(yearValue)
		if err != nil {
			return "", false, false
		}
	} else if defaultYear != nil {
		year = *defaultYear
	} else {
		return "", false, false
	}

	t, err := safeDate(year, month, day)
	if err != nil {
		return "", false, false
	}
	return t, hasExplicitYear, true
}

func safeDate(year, month, day int) (string, error) {
	candidate := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if candidate.Year() != year || int(candidate.Month()) != month || candidate.Day() != day {
		return "", fmt.Errorf("ocr: invalid calendar date %04d-%02d-%02d", year, month, day)
	}
	return candidate.Format("2006-01-02"), nil
}

func normalizeDateToken(value string) string {
	collapsed := strings.Join(strings.Fields(value), " ")
	var b strings.Builder
	for _, r := range collapsed {
		if unicode.IsMark(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(stripAccent(r)))
	}
	return b.String()
}

// stripAccent folds the handful of Swedish accented letters this
// domain sees onto their ASCII base; combining marks are dropped
// separately by normalizeDateToken so a pre-composed rune still needs
// its own fold here.
func stripAccent(r rune) rune {
	switch r {
	case 'å', 'Å', 'ä', 'Ä', 'ö', 'Ö':
		switch r {
		case 'å', 'Å':
			return 'a'
		case 'ä', 'Ä':
			return 'a'
		default:
			return 'o'
		}
	default:
		return r
	}
}

// ResolveSessionScheduleDates reconciles per-image date detections
// (nil where OCR found none) into one anchor date for the session,
// inheriting the anchor for images that didn't carry their own date.
// It rejects sessions whose images disagree on more than one date.
func ResolveSessionScheduleDates(values []*string) (anchor string, resolved []string, inheritedCount int, err error) {
	if len(values) == 0 {
		return "", nil, 0, fmt.Errorf("ocr: no session images available for schedule date resolution")
	}

	unique := make(map[string]bool)
	var explicit []string
	for _, v := range values {
		if v != nil {
			explicit = append(explicit, *v)
			unique[*v] = true
		}
	}
	if len(explicit) == 0 {
		return "", nil, 0, fmt.Errorf("ocr: no schedule date detected from OCR output")
	}
	if len(unique) > 1 {
		sortedDates := make([]string, 0, len(unique))
		for d := range unique {
			sortedDates = append(sortedDates, d)
		}
		sort.Strings(sortedDates)
		return "", nil, 0, fmt.Errorf("ocr: inconsistent schedule dates detected across session images: %s", strings.Join(sortedDates, ", "))
	}

	anchor = explicit[0]
	resolved = make([]string, len(values))
	for i, v := range values {
		if v != nil {
			resolved[i] = *v
		} else {
			resolved[i] = anchor
			inheritedCount++
		}
	}
	return anchor, resolved, inheritedCount, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(values []float64) float64 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
