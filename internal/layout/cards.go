package layout

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func parseCardEntries(lines []line) []positionedEntry {
	if len(lines) == 0 {
		return nil
	}

	type timeAt struct {
		index int
		time  parsedTime
	}
	var timeIndices []timeAt
	for i, l := range lines {
		if t := timeOrNil(l.text); t != nil {
			timeIndices = append(timeIndices, timeAt{index: i, time: *t})
		}
	}
	if len(timeIndices) == 0 {
		return nil
	}

	rawMarkers := make([]struct {
		index int
		time  parsedTime
	}, len(timeIndices))
	for i, ta := range timeIndices {
		rawMarkers[i] = struct {
			index int
			time  parsedTime
		}{ta.index, ta.time}
	}

	markers := consolidateTimeMarkers(rawMarkers, lines)

	occupied := make(map[int]bool)
	for _, m := range markers {
		for i := m.startIndex; i <= m.endIndex; i++ {
			occupied[i] = true
		}
	}

	var results []positionedEntry
	for position, m := range markers {
		previousEnd := -1
		if position > 0 {
			previousEnd = markers[position-1].endIndex
		}
		nextStart := len(lines)
		if position+1 < len(markers) {
			nextStart = markers[position+1].startIndex
		}

		var beforeIndices, afterIndices []int
		for i := previousEnd + 1; i < m.startIndex; i++ {
			if !occupied[i] && cleanText(lines[i].text) != "" && !isNoiseLine(lines[i].text) {
				beforeIndices = append(beforeIndices, i)
			}
		}
		for i := m.endIndex + 1; i < nextStart; i++ {
			if !occupied[i] && cleanText(lines[i].text) != "" && !isNoiseLine(lines[i].text) {
				afterIndices = append(afterIndices, i)
			}
		}

		var title string
		var trailingIndices []int
		prefixedTitle := stripNoisePrefix(m.prefillTitle)
		if prefixedTitle != "" && !isNoiseLine(prefixedTitle) {
			title = prefixedTitle
			trailingIndices = afterIndices
		} else {
			var titleParts []string
			switch {
			case len(beforeIndices) > 0 && (position == 0 || len(afterIndices) == 0):
				for _, idx := range beforeIndices {
					titleParts = append(titleParts, stripNoisePrefix(lines[idx].text))
				}
				trailingIndices = afterIndices
			case len(afterIndices) > 0:
				titleParts = []string{stripNoisePrefix(lines[afterIndices[0]].text)}
				trailingIndices = afterIndices[1:]
			case len(beforeIndices) > 0:
				titleParts = []string{stripNoisePrefix(lines[beforeIndices[len(beforeIndices)-1]].text)}
				trailingIndices = nil
			}
			title = cleanText(strings.Join(titleParts, " "))
		}
		if title == "" {
			continue
		}

		trailingLineObjs := make([]line, 0, len(trailingIndices))
		for _, idx := range trailingIndices {
			trailingLineObjs = append(trailingLineObjs, lines[idx])
		}
		trailingLineObjs = pruneFarRightMetadataLines(trailingLineObjs)

		trailingLines := make([]string, 0, len(trailingLineObjs))
		for _, l := range trailingLineObjs {
			stripped := stripNoisePrefix(l.text)
			if stripped != "" && !isNoiseLine(stripped) {
				trailingLines = append(trailingLines, stripped)
			}
		}

		var address, location string
		switch len(trailingLines) {
		case 0:
			// no address/location content
		case 1:
			if looksLikeAddress(trailingLines[0]) {
				address = trailingLines[0]
			} else {
				location = trailingLines[0]
			}
		default:
			address = strings.Join(trailingLines[:len(trailingLines)-1], " ")
			location = trailingLines[len(trailingLines)-1]
		}

		entry := Entry{
			Start:    m.time.start,
			End:      m.time.end,
			Title:    title,
			Location: location,
			Address:  address,
		}
		if shouldDropSingleTimeEntry(entry) {
			continue
		}
		anchor := lines[m.anchorIndex]
		results = append(results, positionedEntry{entry: entry, anchorY: anchor.y, anchorX: anchor.x})
	}

	return results
}

func consolidateTimeMarkers(markers []struct {
	index int
	time  parsedTime
}, lines []line) []timeMarker {
	var combined []timeMarker
	if len(markers) == 0 {
		return combined
	}

	medianHeight := 20.0
	if len(lines) > 0 {
		heights := make([]float64, len(lines))
		for i, l := range lines {
			heights[i] = maxFloat(l.h, 1.0)
		}
		medianHeight = median(heights)
	}
	maxTimeColumnDelta := maxFloat(16.0, medianHeight*1.1)
	maxVerticalGap := maxFloat(52.0, medianHeight*4.2)
	const maxIntermediateLines = 4

	index := 0
	for index < len(markers) {
		currentIndex, currentTime := markers[index].index, markers[index].time
		currentLeadingTime, currentLeadingRemainder, currentLeadingOK := leadingSingleTime(lines[currentIndex].text)
		currentPrefill := ""
		if currentLeadingOK {
			currentPrefill = currentLeadingRemainder
		}

		if !currentTime.isRange && index+1 < len(markers) {
			nextIndex, nextTime := markers[index+1].index, markers[index+1].time
			nextLeadingTime, nextLeadingRemainder, nextLeadingOK := leadingSingleTime(lines[nextIndex].text)

			if canMergeStackedSingleTimes(
				currentIndex, nextIndex, currentTime, nextTime,
				currentLeadingTime, currentLeadingOK,
				nextLeadingTime, nextLeadingOK,
				lines, maxTimeColumnDelta, maxVerticalGap, maxIntermediateLines,
			) {
				betweenPrefill := prefillFromBetweenLines(lines, currentIndex+1, nextIndex, lines[currentIndex].x, maxTimeColumnDelta)
				combined = append(combined, timeMarker{
					startIndex:   currentIndex,
					endIndex:     nextIndex,
					anchorIndex:  currentIndex,
					time:         parsedTime{start: currentTime.start, end: nextTime.start, isRange: true},
					prefillTitle: choosePrefillTitle(currentPrefill, nextLeadingRemainder, betweenPrefill),
				})
				index += 2
				continue
			}
		}

		combined = append(combined, timeMarker{
			startIndex:   currentIndex,
			endIndex:     currentIndex,
			anchorIndex:  currentIndex,
			time:         currentTime,
			prefillTitle: currentPrefill,
		})
		index++
	}
	return combined
}

func canMergeStackedSingleTimes(
	currentIndex, nextIndex int,
	currentTime, nextTime parsedTime,
	currentLeadingTime string, currentLeadingOK bool,
	nextLeadingTime string, nextLeadingOK bool,
	lines []line,
	maxTimeColumnDelta, maxVerticalGap float64,
	maxIntermediateLines int,
) bool {
	if nextTime.isRange {
		return false
	}
	if !currentLeadingOK || !nextLeadingOK {
		return false
	}
	if currentLeadingTime != currentTime.start || nextLeadingTime != nextTime.start {
		return false
	}
	if nextIndex <= currentIndex {
		return false
	}
	if (nextIndex - currentIndex - 1) > maxIntermediateLines {
		return false
	}

	currentLine := lines[currentIndex]
	nextLine := lines[nextIndex]
	if absFloat(nextLine.x-currentLine.x) > maxTimeColumnDelta {
		return false
	}

	verticalGap := nextLine.y - currentLine.y
	if verticalGap <= 0 || verticalGap > maxVerticalGap {
		return false
	}

	return betweenLinesAreNonblocking(lines, currentIndex+1, nextIndex, currentLine.x, maxTimeColumnDelta)
}

func betweenLinesAreNonblocking(lines []line, startIndex, endIndex int, timeColumnX, maxTimeColumnDelta float64) bool {
	blockingXThreshold := maxTimeColumnDelta * 2.5
	for i := startIndex; i < endIndex; i++ {
		l := lines[i]
		text := cleanText(l.text)
		if text == "" {
			continue
		}
		if isNoiseLine(text) {
			continue
		}
		if absFloat(l.x-timeColumnX) > blockingXThreshold {
			continue
		}
		return false
	}
	return true
}

func prefillFromBetweenLines(lines []line, startIndex, endIndex int, timeColumnX, maxTimeColumnDelta float64) string {
	blockingXThreshold := maxTimeColumnDelta * 2.5
	var candidates []string
	for i := startIndex; i < endIndex; i++ {
		l := lines[i]
		if absFloat(l.x-timeColumnX) <= blockingXThreshold {
			continue
		}
		cleaned := stripNoisePrefix(l.text)
		if cleaned == "" || isNoiseLine(cleaned) {
			continue
		}
		candidates = append(candidates, cleaned)
	}
	if len(candidates) == 0 {
		return ""
	}
	return cleanText(strings.Join(candidates, " "))
}

func pruneFarRightMetadataLines(lines []line) []line {
	if len(lines) < 2 {
		return lines
	}
	baseX := lines[0].x
	for _, l := range lines[1:] {
		if l.x < baseX {
			baseX = l.x
		}
	}
	heights := make([]float64, len(lines))
	for i, l := range lines {
		heights[i] = maxFloat(l.h, 1.0)
	}
	threshold := maxFloat(140.0, median(heights)*7.0)

	var kept []line
	for _, l := range lines {
		if (l.x-baseX) > threshold && !looksLikeAddress(l.text) {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		return lines
	}
	return kept
}

func choosePrefillTitle(candidates ...string) string {
	for _, candidate := range candidates {
		cleaned := stripNoisePrefix(candidate)
		if cleaned == "" {
			continue
		}
		if isNoiseLine(cleaned) {
			continue
		}
		return cleaned
	}
	for _, candidate := range candidates {
		cleaned := stripNoisePrefix(candidate)
		if cleaned != "" {
			return cleaned
		}
	}
	return ""
}

// leadingSingleTime reports whether value is entirely a single leading
// HH:MM time optionally followed by remainder text, returning the
// normalized time, the remainder, and whether it matched.
func leadingSingleTime(value string) (string, string, bool) {
	match := leadingSingleTimeRE.FindStringSubmatch(value)
	if match == nil {
		return "", "", false
	}
	hour, minute := atoiSafe(match[1]), atoiSafe(match[2])
	parsed, ok := normalizeTime(hour, minute)
	if !ok {
		return "", "", false
	}
	return parsed, cleanText(match[3]), true
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func normalizeForMatch(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, value)
	if err != nil {
		result = value
	}
	return strings.Join(strings.Fields(strings.ToLower(result)), " ")
}

func isNoiseLine(value string) bool {
	normalized := normalizeForMatch(stripNoisePrefix(value))
	if normalized == "" {
		return true
	}
	if len([]rune(normalized)) <= 1 {
		return true
	}
	if strings.Contains(normalized, "collaborator") {
		return true
	}
	if plusCountRE.MatchString(normalized) {
		return true
	}
	switch normalized {
	case "on time", "ontime", "thank you for today", "thank you for today!":
		return true
	}
	if durationRE.MatchString(normalized) {
		return true
	}
	if onlyDigitsRE.MatchString(normalized) {
		return true
	}
	return false
}

func shouldDropSingleTimeEntry(entry Entry) bool {
	if entry.Start != entry.End {
		return false
	}
	if cleanText(entry.Location) != "" || cleanText(entry.Address) != "" {
		return false
	}
	return true
}

func looksLikeAddress(value string) bool {
	normalized := normalizeForMatch(value)
	for _, r := range normalized {
		if unicode.IsDigit(r) {
			return true
		}
	}
	if strings.Contains(value, ",") {
		return true
	}
	return addressVocabRE.MatchString(normalized)
}

func stripNoisePrefix(value string) string {
	cleaned := cleanText(value)
	if cleaned == "" {
		return ""
	}
	previous := ""
	current := cleaned
	for previous != current {
		previous = current
		current = strings.TrimSpace(noisePrefixRE.ReplaceAllString(current, ""))
	}
	return cleanText(current)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minFloatSlice(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}
