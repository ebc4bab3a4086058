// Package aggregate merges the per-image canonical shifts captured
// across one capture session into a single deduplicated day schedule.
package aggregate

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scheduleingest/worker/internal/entity"
	"github.com/scheduleingest/worker/internal/normalize"
)

// noisyLocationTokens are address words that indicate OCR picked up
// app chrome (navigation labels, menu entries) rather than a real
// address, and should count against a shift's address quality.
var noisyLocationTokens = []string{"schedule", "helphub", "account", "collaborators", "profile"}

// AggregatedShift is one deduplicated shift plus how many source
// images observed it.
type AggregatedShift struct {
	Shift       normalize.CanonicalShift
	SourceCount int
}

// AggregatedDaySchedule is the merged view of a single schedule date
// across every image in a capture session.
type AggregatedDaySchedule struct {
	ScheduleDate string
	Shifts       []AggregatedShift
}

type shiftRef struct {
	imageIndex int
	shiftIndex int
	shift      normalize.CanonicalShift
}

type cluster struct {
	shift       normalize.CanonicalShift
	sourceCount int
}

// AggregateSessionShifts merges the canonical shifts from every image
// in a capture session into one deterministic day schedule. Shifts at
// the same location within timeToleranceMinutes of each other are
// merged into a single shift with a combined time range.
func AggregateSessionShifts(sessionImages [][]normalize.CanonicalShift, scheduleDate string, timeToleranceMinutes int) (AggregatedDaySchedule, error) {
	if err := validateScheduleDate(scheduleDate); err != nil {
		return AggregatedDaySchedule{}, err
	}
	if timeToleranceMinutes < 0 {
		return AggregatedDaySchedule{}, fmt.Errorf("time_tolerance_minutes must be >= 0")
	}

	var refs []shiftRef
	for imageIndex, imageShifts := range sessionImages {
		for shiftIndex, shift := range imageShifts {
			refs = append(refs, shiftRef{imageIndex: imageIndex, shiftIndex: shiftIndex, shift: shift})
		}
	}

	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.shift.LocationFingerprint != b.shift.LocationFingerprint {
			return a.shift.LocationFingerprint < b.shift.LocationFingerprint
		}
		if am, bm := minutesOf(a.shift.Start), minutesOf(b.shift.Start); am != bm {
			return am < bm
		}
		if am, bm := minutesOf(a.shift.End), minutesOf(b.shift.End); am != bm {
			return am < bm
		}
		if a.shift.CustomerFingerprint != b.shift.CustomerFingerprint {
			return a.shift.CustomerFingerprint < b.shift.CustomerFingerprint
		}
		if a.imageIndex != b.imageIndex {
			return a.imageIndex < b.imageIndex
		}
		return a.shiftIndex < b.shiftIndex
	})

	grouped := make(map[string][]shiftRef)
	for _, ref := range refs {
		grouped[ref.shift.LocationFingerprint] = append(grouped[ref.shift.LocationFingerprint], ref)
	}

	locationKeys := make([]string, 0, len(grouped))
	for key := range grouped {
		locationKeys = append(locationKeys, key)
	}
	sort.Strings(locationKeys)

	var merged []cluster
	for _, key := range locationKeys {
		merged = append(merged, mergeLocationGroup(grouped[key], timeToleranceMinutes)...)
	}

	aggregated := make([]AggregatedShift, 0, len(merged))
	for _, c := range merged {
		aggregated = append(aggregated, AggregatedShift{Shift: c.shift, SourceCount: c.sourceCount})
	}
	aggregated = dedupeExactIdentityTime(aggregated)

	sort.SliceStable(aggregated, func(i, j int) bool {
		a, b := aggregated[i].Shift, aggregated[j].Shift
		if am, bm := minutesOf(a.Start), minutesOf(b.Start); am != bm {
			return am < bm
		}
		if am, bm := minutesOf(a.End), minutesOf(b.End); am != bm {
			return am < bm
		}
		if a.LocationFingerprint != b.LocationFingerprint {
			return a.LocationFingerprint < b.LocationFingerprint
		}
		if a.CustomerFingerprint != b.CustomerFingerprint {
			return a.CustomerFingerprint < b.CustomerFingerprint
		}
		return strings.ToLower(a.CustomerName) < strings.ToLower(b.CustomerName)
	})

	return AggregatedDaySchedule{ScheduleDate: scheduleDate, Shifts: aggregated}, nil
}

func mergeLocationGroup(refs []shiftRef, tolerance int) []cluster {
	sorted := make([]shiftRef, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if am, bm := minutesOf(a.shift.Start), minutesOf(b.shift.Start); am != bm {
			return am < bm
		}
		if am, bm := minutesOf(a.shift.End), minutesOf(b.shift.End); am != bm {
			return am < bm
		}
		if a.shift.CustomerFingerprint != b.shift.CustomerFingerprint {
			return a.shift.CustomerFingerprint < b.shift.CustomerFingerprint
		}
		if a.imageIndex != b.imageIndex {
			return a.imageIndex < b.imageIndex
		}
		return a.shiftIndex < b.shiftIndex
	})

	var clusters []cluster
	for _, ref := range sorted {
		index := bestClusterForShift(clusters, ref.shift, tolerance)
		if index < 0 {
			clusters = append(clusters, cluster{shift: ref.shift, sourceCount: 1})
			continue
		}
		clusters[index].shift = mergeShift(clusters[index].shift, ref.shift)
		clusters[index].sourceCount++
	}
	return clusters
}

type priorityKey struct {
	byDistance          int
	distance            int
	clusterStart        int
	clusterEnd          int
	clusterCustomerFP   string
	incomingCustomerFP  string
}

func (k priorityKey) less(other priorityKey) bool {
	if k.byDistance != other.byDistance {
		return k.byDistance < other.byDistance
	}
	if k.distance != other.distance {
		return k.distance < other.distance
	}
	if k.clusterStart != other.clusterStart {
		return k.clusterStart < other.clusterStart
	}
	if k.clusterEnd != other.clusterEnd {
		return k.clusterEnd < other.clusterEnd
	}
	if k.clusterCustomerFP != other.clusterCustomerFP {
		return k.clusterCustomerFP < other.clusterCustomerFP
	}
	return k.incomingCustomerFP < other.incomingCustomerFP
}

func bestClusterForShift(clusters []cluster, shift normalize.CanonicalShift, tolerance int) int {
	bestIndex := -1
	found := false
	var bestDistance int
	var bestKey priorityKey

	for index, c := range clusters {
		distance := timeDistanceMinutes(c.shift, shift)
		contains := c.shift.CustomerFingerprint == shift.CustomerFingerprint &&
			(rangeContains(c.shift, shift) || rangeContains(shift, c.shift))
		if distance > tolerance && !contains {
			continue
		}
		key := clusterMatchPriorityKey(c.shift, shift, distance, tolerance)
		if !found || distance < bestDistance || (distance == bestDistance && key.less(bestKey)) {
			bestIndex = index
			bestDistance = distance
			bestKey = key
			found = true
		}
	}
	return bestIndex
}

func clusterMatchPriorityKey(clusterShift, incomingShift normalize.CanonicalShift, distance, tolerance int) priorityKey {
	byDistance := 0
	if distance > tolerance {
		byDistance = 1
	}
	return priorityKey{
		byDistance:         byDistance,
		distance:           distance,
		clusterStart:       minutesOf(clusterShift.Start),
		clusterEnd:         minutesOf(clusterShift.End),
		clusterCustomerFP:  clusterShift.CustomerFingerprint,
		incomingCustomerFP: incomingShift.CustomerFingerprint,
	}
}

func mergeShift(base, incoming normalize.CanonicalShift) normalize.CanonicalShift {
	anchor := minutesOf(base.Start)
	baseStart, baseEnd := unwrapInterval(base, anchor)
	incomingStart, incomingEnd := unwrapInterval(incoming, anchor)
	startMinutes := minInt(baseStart, incomingStart)
	endMinutes := maxInt(baseEnd, incomingEnd)

	selectedCustomerName := selectBetterString(base.CustomerName, incoming.CustomerName)

	baseQuality := addressQualityScore(base)
	incomingQuality := addressQualityScore(incoming)

	var street, streetNumber, postalCode, postalArea, city string
	switch {
	case incomingQuality > baseQuality:
		street, streetNumber, postalCode, postalArea, city = incoming.Street, incoming.StreetNumber, incoming.PostalCode, incoming.PostalArea, incoming.City
	case incomingQuality < baseQuality:
		street, streetNumber, postalCode, postalArea, city = base.Street, base.StreetNumber, base.PostalCode, base.PostalArea, base.City
	default:
		if addressLength(incoming) > addressLength(base) {
			street, streetNumber, postalCode, postalArea, city = incoming.Street, incoming.StreetNumber, incoming.PostalCode, incoming.PostalArea, incoming.City
		} else {
			street, streetNumber, postalCode, postalArea, city = base.Street, base.StreetNumber, base.PostalCode, base.PostalArea, base.City
		}
	}

	selectedShiftType := selectShiftType(base.ShiftType, incoming.ShiftType)
	selectedRawTypeLabel := selectBetterString(base.RawTypeLabel, incoming.RawTypeLabel)

	identityAnchor := firstNonEmpty(strings.TrimSpace(selectedCustomerName), strings.TrimSpace(selectedRawTypeLabel), string(selectedShiftType))
	selectedCustomerFingerprint := entity.CustomerFingerprint(identityAnchor)
	selectedLocationFingerprint := entity.LocationFingerprint(street, streetNumber, postalArea, city)

	return normalize.CanonicalShift{
		Start:               fromMinutesMod(startMinutes),
		End:                 fromMinutesMod(endMinutes),
		CustomerName:        selectedCustomerName,
		CustomerFingerprint: selectedCustomerFingerprint,
		Street:              street,
		StreetNumber:        streetNumber,
		PostalCode:          postalCode,
		PostalArea:          postalArea,
		City:                city,
		LocationFingerprint: selectedLocationFingerprint,
		ShiftType:           selectedShiftType,
		RawTypeLabel:        selectedRawTypeLabel,
	}
}

func dedupeExactIdentityTime(values []AggregatedShift) []AggregatedShift {
	type identityKey struct {
		start, end, customerFP, shiftType, rawLabelFold string
	}
	grouped := make(map[identityKey][]AggregatedShift)
	var keys []identityKey
	for _, item := range values {
		key := identityKey{
			start:         item.Shift.Start,
			end:           item.Shift.End,
			customerFP:    item.Shift.CustomerFingerprint,
			shiftType:     string(item.Shift.ShiftType),
			rawLabelFold:  strings.ToLower(item.Shift.RawTypeLabel),
		}
		if _, ok := grouped[key]; !ok {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], item)
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if a.end != b.end {
			return a.end < b.end
		}
		if a.customerFP != b.customerFP {
			return a.customerFP < b.customerFP
		}
		if a.shiftType != b.shiftType {
			return a.shiftType < b.shiftType
		}
		return a.rawLabelFold < b.rawLabelFold
	})

	deduped := make([]AggregatedShift, 0, len(keys))
	for _, key := range keys {
		items := grouped[key]
		if len(items) == 1 {
			deduped = append(deduped, items[0])
			continue
		}
		mergedShift := items[0].Shift
		mergedSourceCount := items[0].SourceCount
		for _, item := range items[1:] {
			mergedShift = mergeShift(mergedShift, item.Shift)
			mergedSourceCount += item.SourceCount
		}
		deduped = append(deduped, AggregatedShift{Shift: mergedShift, SourceCount: mergedSourceCount})
	}
	return deduped
}

func selectBetterString(left, right string) string {
	leftKey := stringRankKey(left)
	rightKey := stringRankKey(right)
	if rightKey.greaterThan(leftKey) {
		return right
	}
	return left
}

type stringRank struct {
	length int
	folded string
}

func (a stringRank) greaterThan(b stringRank) bool {
	if a.length != b.length {
		return a.length > b.length
	}
	return a.folded > b.folded
}

func stringRankKey(value string) stringRank {
	return stringRank{length: len(strings.TrimSpace(value)), folded: strings.ToLower(value)}
}

func selectShiftType(left, right normalize.ShiftType) normalize.ShiftType {
	if left == right {
		return left
	}
	if left == normalize.ShiftUnknown {
		return right
	}
	if right == normalize.ShiftUnknown {
		return left
	}
	leftPriority := normalize.ShiftTypePriority[left]
	rightPriority := normalize.ShiftTypePriority[right]
	if leftPriority == rightPriority {
		if left < right {
			return left
		}
		return right
	}
	if leftPriority > rightPriority {
		return left
	}
	return right
}

func addressLength(shift normalize.CanonicalShift) int {
	return len(joinNonEmpty(shift))
}

func joinNonEmpty(shift normalize.CanonicalShift) string {
	var tokens []string
	for _, token := range []string{shift.Street, shift.StreetNumber, shift.PostalCode, shift.PostalArea, shift.City} {
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return strings.Join(tokens, " ")
}

var noiseTokenPatterns = compileNoiseTokenPatterns()

func compileNoiseTokenPatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(noisyLocationTokens))
	for _, token := range noisyLocationTokens {
		patterns = append(patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(token)+`\b`))
	}
	return patterns
}

func addressQualityScore(shift normalize.CanonicalShift) int {
	score := 0
	if strings.TrimSpace(shift.Street) != "" {
		score += 40 + minInt(len(strings.TrimSpace(shift.Street)), 40)
	}
	if strings.TrimSpace(shift.StreetNumber) != "" {
		score += 12
	}
	if strings.TrimSpace(shift.PostalCode) != "" {
		score += 10
	}
	if strings.TrimSpace(shift.PostalArea) != "" {
		score += 8
	}
	if strings.TrimSpace(shift.City) != "" {
		score += 12 + minInt(len(strings.TrimSpace(shift.City)), 20)
	}

	text := strings.ToLower(joinNonEmpty(shift))
	text = strings.Join(strings.Fields(text), " ")

	for _, pattern := range noiseTokenPatterns {
		if pattern.MatchString(text) {
			score -= 80
		}
	}
	if strings.Contains(text, "?") || strings.Contains(text, "+") {
		score -= 15
	}
	return score
}

func timeDistanceMinutes(left, right normalize.CanonicalShift) int {
	return clockDistance(minutesOf(left.Start), minutesOf(right.Start)) + clockDistance(minutesOf(left.End), minutesOf(right.End))
}

func rangeContains(container, candidate normalize.CanonicalShift) bool {
	containerStart := minutesOf(container.Start)
	candidateStart := minutesOf(candidate.Start)
	containerDuration := durationMinutes(container)
	candidateDuration := durationMinutes(candidate)

	if containerDuration < candidateDuration {
		return false
	}

	startDistance := clockwiseDistance(containerStart, candidateStart)
	if startDistance > containerDuration {
		return false
	}
	if candidateDuration == 0 {
		return true
	}

	candidateEnd := minutesOf(candidate.End)
	endDistance := clockwiseDistance(containerStart, candidateEnd)
	return endDistance <= containerDuration
}

func durationMinutes(shift normalize.CanonicalShift) int {
	start := minutesOf(shift.Start)
	end := minutesOf(shift.End)
	return mod(end-start, 1440)
}

func unwrapInterval(shift normalize.CanonicalShift, anchorMinutes int) (int, int) {
	start := unwrapMinutesNear(minutesOf(shift.Start), anchorMinutes)
	duration := durationMinutes(shift)
	return start, start + duration
}

func unwrapMinutesNear(value, anchorMinutes int) int {
	candidates := [3]int{value - 1440, value, value + 1440}
	best := candidates[0]
	bestDistance := absInt(best - anchorMinutes)
	for _, candidate := range candidates[1:] {
		distance := absInt(candidate - anchorMinutes)
		if distance < bestDistance || (distance == bestDistance && candidate < best) {
			best = candidate
			bestDistance = distance
		}
	}
	return best
}

func clockDistance(left, right int) int {
	diff := absInt(left - right)
	return minInt(diff, 1440-diff)
}

func clockwiseDistance(start, point int) int {
	return mod(point-start, 1440)
}

func minutesOf(value string) int {
	parts := strings.SplitN(value, ":", 2)
	hour, _ := strconv.Atoi(parts[0])
	minute := 0
	if len(parts) > 1 {
		minute, _ = strconv.Atoi(parts[1])
	}
	return hour*60 + minute
}

func fromMinutesMod(total int) string {
	normalized := mod(total, 1440)
	hour := normalized / 60
	minute := normalized % 60
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

func validateScheduleDate(value string) error {
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return fmt.Errorf("invalid schedule_date: %q", value)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mod(value, modulus int) int {
	result := value % modulus
	if result < 0 {
		result += modulus
	}
	return result
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
