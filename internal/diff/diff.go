// Package diff computes the ordered set of change events between two
// canonical versions of a day's schedule.
package diff

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scheduleingest/worker/internal/normalize"
)

// EventKind tags the variant of a ScheduleEvent.
type EventKind string

const (
	EventShiftAdded        EventKind = "ShiftAdded"
	EventShiftRemoved      EventKind = "ShiftRemoved"
	EventShiftTimeChanged  EventKind = "ShiftTimeChanged"
	EventShiftRelocated    EventKind = "ShiftRelocated"
	EventShiftRetitled     EventKind = "ShiftRetitled"
	EventShiftReclassified EventKind = "ShiftReclassified"
)

// ScheduleEvent is one detected change. Added/Removed carry Shift;
// every other kind carries Before/After.
type ScheduleEvent struct {
	Kind         EventKind
	ScheduleDate string
	Shift        *normalize.CanonicalShift
	Before       *normalize.CanonicalShift
	After        *normalize.CanonicalShift
}

type shiftRef struct {
	sequence int
	shift    normalize.CanonicalShift
}

// DiffSchedules compares the previous and current canonical shift
// lists for scheduleDate and returns the ordered list of changes.
func DiffSchedules(previousVersion, currentVersion []normalize.CanonicalShift, scheduleDate string) ([]ScheduleEvent, error) {
	if err := validateScheduleDate(scheduleDate); err != nil {
		return nil, err
	}

	oldRefs := make([]shiftRef, len(previousVersion))
	for i, s := range previousVersion {
		oldRefs[i] = shiftRef{sequence: i, shift: s}
	}
	newRefs := make([]shiftRef, len(currentVersion))
	for i, s := range currentVersion {
		newRefs[i] = shiftRef{sequence: i, shift: s}
	}

	var events []ScheduleEvent

	// Stage 1: stable identity (location + customer). Time isn't part
	// of the key, so within a matched group pair by minimum clock
	// distance rather than plain index order.
	exactPairs, oldRefs, newRefs := pairByKeyGreedy(oldRefs, newRefs, func(r shiftRef) string {
		return scheduleDate + "|" + r.shift.LocationFingerprint + "|" + r.shift.CustomerFingerprint
	})
	for _, p := range exactPairs {
		oldShift, newShift := p.old.shift, p.new.shift
		switch {
		case oldShift.Start != newShift.Start || oldShift.End != newShift.End:
			events = append(events, ScheduleEvent{Kind: EventShiftTimeChanged, ScheduleDate: scheduleDate, Before: &oldShift, After: &newShift})
		case oldShift.CustomerName != newShift.CustomerName:
			events = append(events, ScheduleEvent{Kind: EventShiftRetitled, ScheduleDate: scheduleDate, Before: &oldShift, After: &newShift})
		case oldShift.ShiftType != newShift.ShiftType:
			events = append(events, ScheduleEvent{Kind: EventShiftReclassified, ScheduleDate: scheduleDate, Before: &oldShift, After: &newShift})
		}
	}

	// Stage 2: relocation detection (same customer + time, moved location).
	relocationPairs, oldRefs, newRefs := pairByKeyIndex(oldRefs, newRefs, func(r shiftRef) string {
		return scheduleDate + "|" + r.shift.CustomerFingerprint + "|" + r.shift.Start + "|" + r.shift.End
	})
	for _, p := range relocationPairs {
		oldShift, newShift := p.old.shift, p.new.shift
		switch {
		case oldShift.LocationFingerprint != newShift.LocationFingerprint:
			events = append(events, ScheduleEvent{Kind: EventShiftRelocated, ScheduleDate: scheduleDate, Before: &oldShift, After: &newShift})
		case oldShift.CustomerName != newShift.CustomerName:
			events = append(events, ScheduleEvent{Kind: EventShiftRetitled, ScheduleDate: scheduleDate, Before: &oldShift, After: &newShift})
		}
	}

	// Stage 3: retitle detection (same location + time, renamed customer).
	retitlePairs, oldRefs, newRefs := pairByKeyIndex(oldRefs, newRefs, func(r shiftRef) string {
		return scheduleDate + "|" + r.shift.LocationFingerprint + "|" + r.shift.Start + "|" + r.shift.End
	})
	for _, p := range retitlePairs {
		oldShift, newShift := p.old.shift, p.new.shift
		if oldShift.CustomerFingerprint != newShift.CustomerFingerprint {
			events = append(events, ScheduleEvent{Kind: EventShiftRetitled, ScheduleDate: scheduleDate, Before: &oldShift, After: &newShift})
		}
	}

	sort.Slice(oldRefs, func(i, j int) bool { return refSortKey(oldRefs[i]) < refSortKey(oldRefs[j]) })
	for _, ref := range oldRefs {
		shift := ref.shift
		events = append(events, ScheduleEvent{Kind: EventShiftRemoved, ScheduleDate: scheduleDate, Shift: &shift})
	}

	sort.Slice(newRefs, func(i, j int) bool { return refSortKey(newRefs[i]) < refSortKey(newRefs[j]) })
	for _, ref := range newRefs {
		shift := ref.shift
		events = append(events, ScheduleEvent{Kind: EventShiftAdded, ScheduleDate: scheduleDate, Shift: &shift})
	}

	return events, nil
}

type refPair struct {
	old shiftRef
	new shiftRef
}

// pairByKeyIndex mirrors the grouped-then-index pairing used once the
// key already pins every field that could otherwise need a tie-break
// (stage 2 and 3's keys include the full time range).
func pairByKeyIndex(oldRefs, newRefs []shiftRef, keyFn func(shiftRef) string) ([]refPair, []shiftRef, []shiftRef) {
	oldByKey := make(map[string][]shiftRef)
	newByKey := make(map[string][]shiftRef)
	for _, ref := range oldRefs {
		k := keyFn(ref)
		oldByKey[k] = append(oldByKey[k], ref)
	}
	for _, ref := range newRefs {
		k := keyFn(ref)
		newByKey[k] = append(newByKey[k], ref)
	}

	var keys []string
	for k := range oldByKey {
		if _, ok := newByKey[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var paired []refPair
	consumedOld := make(map[int]bool)
	consumedNew := make(map[int]bool)

	for _, k := range keys {
		oldValues := append([]shiftRef(nil), oldByKey[k]...)
		newValues := append([]shiftRef(nil), newByKey[k]...)
		sort.Slice(oldValues, func(i, j int) bool { return refSortKey(oldValues[i]) < refSortKey(oldValues[j]) })
		sort.Slice(newValues, func(i, j int) bool { return refSortKey(newValues[i]) < refSortKey(newValues[j]) })

		pairCount := len(oldValues)
		if len(newValues) < pairCount {
			pairCount = len(newValues)
		}
		for i := 0; i < pairCount; i++ {
			paired = append(paired, refPair{old: oldValues[i], new: newValues[i]})
			consumedOld[oldValues[i].sequence] = true
			consumedNew[newValues[i].sequence] = true
		}
	}

	return paired, filterUnconsumed(oldRefs, consumedOld), filterUnconsumed(newRefs, consumedNew)
}

// pairByKeyGreedy groups by key, then within each group repeatedly
// pairs the (old, new) combination with the smallest combined clock
// distance until one side is exhausted, tie-breaking on the stable
// ref sort key so output stays deterministic.
func pairByKeyGreedy(oldRefs, newRefs []shiftRef, keyFn func(shiftRef) string) ([]refPair, []shiftRef, []shiftRef) {
	oldByKey := make(map[string][]shiftRef)
	newByKey := make(map[string][]shiftRef)
	for _, ref := range oldRefs {
		k := keyFn(ref)
		oldByKey[k] = append(oldByKey[k], ref)
	}
	for _, ref := range newRefs {
		k := keyFn(ref)
		newByKey[k] = append(newByKey[k], ref)
	}

	var keys []string
	for k := range oldByKey {
		if _, ok := newByKey[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var paired []refPair
	consumedOld := make(map[int]bool)
	consumedNew := make(map[int]bool)

	for _, k := range keys {
		oldValues := append([]shiftRef(nil), oldByKey[k]...)
		newValues := append([]shiftRef(nil), newByKey[k]...)
		for _, p := range greedyNearestPairs(oldValues, newValues) {
			paired = append(paired, p)
			consumedOld[p.old.sequence] = true
			consumedNew[p.new.sequence] = true
		}
	}

	return paired, filterUnconsumed(oldRefs, consumedOld), filterUnconsumed(newRefs, consumedNew)
}

func greedyNearestPairs(oldValues, newValues []shiftRef) []refPair {
	usedOld := make([]bool, len(oldValues))
	usedNew := make([]bool, len(newValues))
	pairCount := len(oldValues)
	if len(newValues) < pairCount {
		pairCount = len(newValues)
	}

	var result []refPair
	for round := 0; round < pairCount; round++ {
		bestOld, bestNew := -1, -1
		bestDistance := -1
		for i, o := range oldValues {
			if usedOld[i] {
				continue
			}
			for j, n := range newValues {
				if usedNew[j] {
					continue
				}
				distance := clockDistance(minutesOf(o.shift.Start), minutesOf(n.shift.Start)) +
					clockDistance(minutesOf(o.shift.End), minutesOf(n.shift.End))
				if bestDistance == -1 || distance < bestDistance ||
					(distance == bestDistance && lessRefPairTieBreak(o, n, oldValues[bestOld], newValues[bestNew])) {
					bestDistance = distance
					bestOld = i
					bestNew = j
				}
			}
		}
		if bestOld == -1 {
			break
		}
		usedOld[bestOld] = true
		usedNew[bestNew] = true
		result = append(result, refPair{old: oldValues[bestOld], new: newValues[bestNew]})
	}
	return result
}

func lessRefPairTieBreak(oa, na, ob, nb shiftRef) bool {
	if refSortKey(oa) != refSortKey(ob) {
		return refSortKey(oa) < refSortKey(ob)
	}
	return refSortKey(na) < refSortKey(nb)
}

func filterUnconsumed(refs []shiftRef, consumed map[int]bool) []shiftRef {
	var out []shiftRef
	for _, ref := range refs {
		if !consumed[ref.sequence] {
			out = append(out, ref)
		}
	}
	return out
}

func refSortKey(ref shiftRef) string {
	s := ref.shift
	return strings.Join([]string{
		s.LocationFingerprint,
		s.CustomerFingerprint,
		s.Start,
		s.End,
		strings.ToLower(s.CustomerName),
		strings.ToLower(s.Street),
		strings.ToLower(s.StreetNumber),
		strings.ToLower(s.City),
		fmt.Sprintf("%08d", ref.sequence),
	}, "\x1f")
}

func clockDistance(left, right int) int {
	diff := left - right
	if diff < 0 {
		diff = -diff
	}
	if rev := 1440 - diff; rev < diff {
		return rev
	}
	return diff
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

func validateScheduleDate(value string) error {
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return fmt.Errorf("invalid schedule_date: %q", value)
	}
	return nil
}
