package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	postalCodeRE        = regexp.MustCompile(`\b(\d{3})\s?(\d{2})\b`)
	timeValueRE         = regexp.MustCompile(`^\s*(\d{1,2})[:.](\d{2})\s*$`)
	titleBulletRE       = regexp.MustCompile(`\s*[•·]\s*`)
	trailingDurationRE  = regexp.MustCompile(`(?i)(?:\b\d+\s*h(?:\s*\d+\s*m)?\b|\b\d+\s*m(?:in)?\b)\s*$`)
	nonWordSafeRE       = regexp.MustCompile(`[^A-Za-z0-9\s\-']`)
)

var companyNoiseTokens = map[string]struct{}{
	"ab":          {},
	"hb":          {},
	"stadservice": {},
	"stadtjanst":  {},
	"stadning":    {},
}

var jobTypeHintTokens = map[string]struct{}{
	"stadservice":   {},
	"stadning":      {},
	"storstadning":  {},
	"hemstadning":   {},
	"kontor":        {},
	"skola":         {},
	"vard":          {},
	"barn":          {},
	"clickandgo":    {},
}

func normalizeTimeValue(value, field string) (string, error) {
	match := timeValueRE.FindStringSubmatch(value)
	if match == nil {
		return "", &InvalidTimeError{Field: field, Value: value}
	}
	hour, _ := strconv.Atoi(match[1])
	minute, _ := strconv.Atoi(match[2])
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", &InvalidTimeError{Field: field, Value: value}
	}
	return zeroPadClock(hour, minute), nil
}

func zeroPadClock(hour, minute int) string {
	h := strconv.Itoa(hour)
	if hour < 10 {
		h = "0" + h
	}
	m := strconv.Itoa(minute)
	if minute < 10 {
		m = "0" + m
	}
	return h + ":" + m
}

func decomposeAddress(addressText, locationHint string) AddressParts {
	normalizedAddress := normalizeText(addressText)
	normalizedLocation := normalizePlace(locationHint)

	var postalCode, postalArea string
	city := normalizedLocation

	streetSource := normalizedAddress
	if loc := postalCodeRE.FindStringSubmatchIndex(normalizedAddress); loc != nil {
		postalCode = normalizedAddress[loc[2]:loc[3]] + " " + normalizedAddress[loc[4]:loc[5]]
		before := collapseWhitespace(normalizedAddress[:loc[0]])
		after := collapseWhitespace(normalizedAddress[loc[1]:])
		streetSource = before
		postalArea = normalizePlace(after)
		if postalArea != "" {
			city = postalArea
		}
	}

	tokens := splitSpaces(streetSource)
	var street, streetNumber string
	var trailingTokens []string

	if numberIndex := lastNumberIndex(tokens); numberIndex >= 0 {
		street = normalizeStreet(strings.Join(tokens[:numberIndex], " "))
		streetNumber = normalizeStreetNumber(tokens[numberIndex])
		trailingTokens = tokens[numberIndex+1:]
	} else {
		street = normalizeStreet(streetSource)
	}

	if city == "" && len(trailingTokens) > 0 {
		city = extractCityFromTokens(trailingTokens)
	}
	if city == "" && postalArea == "" && postalCode != "" {
		city = postalArea
	}
	if postalCode != "" && postalArea == "" && city != "" {
		postalArea = city
	}
	if city == "" && normalizedLocation != "" {
		city = normalizedLocation
	}

	return AddressParts{
		Street:       street,
		StreetNumber: streetNumber,
		PostalCode:   postalCode,
		PostalArea:   postalArea,
		City:         city,
	}
}

func normalizeCustomerName(value string) string {
	normalized := normalizeText(stripTrailingDuration(value))
	raw := splitSpaces(strings.ToLower(normalized))
	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		if _, noise := companyNoiseTokens[token]; !noise {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		tokens = raw
	}
	return toTitleCase(strings.Join(tokens, " "))
}

func splitTitleComponents(value string) (customer, jobType string) {
	collapsed := collapseWhitespace(value)
	if collapsed == "" {
		return "", ""
	}

	if titleBulletRE.MatchString(collapsed) {
		parts := titleBulletRE.Split(collapsed, 2)
		customer = collapseWhitespace(parts[0])
		jobType = ""
		if len(parts) > 1 {
			jobType = collapseWhitespace(stripTrailingDuration(parts[1]))
		}
		return customer, jobType
	}

	withoutDuration := stripTrailingDuration(collapsed)
	tokens := strings.Split(withoutDuration, " ")
	for index, token := range tokens {
		if index == 0 {
			continue
		}
		normalized := strings.ToLower(normalizeText(token))
		if _, ok := jobTypeHintTokens[normalized]; ok {
			return collapseWhitespace(strings.Join(tokens[:index], " ")), collapseWhitespace(strings.Join(tokens[index:], " "))
		}
	}
	return withoutDuration, ""
}

func stripTrailingDuration(value string) string {
	previous := ""
	current := collapseWhitespace(value)
	for previous != current {
		previous = current
		current = strings.TrimSpace(trailingDurationRE.ReplaceAllString(current, ""))
	}
	return collapseWhitespace(current)
}

func normalizeStreet(value string) string {
	return toTitleCase(normalizeText(value))
}

func normalizePlace(value string) string {
	return toTitleCase(normalizeText(value))
}

func normalizeStreetNumber(value string) string {
	normalized := strings.ReplaceAll(normalizeText(value), " ", "")
	return strings.ToUpper(normalized)
}

func extractCityFromTokens(tokens []string) string {
	var cityTokens []string
	for i := len(tokens) - 1; i >= 0; i-- {
		token := tokens[i]
		if containsDigit(token) {
			break
		}
		normalized := normalizePlace(token)
		if normalized == "" {
			break
		}
		if len(normalized) <= 2 && len(cityTokens) > 0 {
			break
		}
		cityTokens = append(cityTokens, normalized)
		if len(cityTokens) == 2 {
			break
		}
	}
	if len(cityTokens) == 0 {
		return ""
	}
	for i, j := 0, len(cityTokens)-1; i < j; i, j = i+1, j-1 {
		cityTokens[i], cityTokens[j] = cityTokens[j], cityTokens[i]
	}
	return strings.Join(cityTokens, " ")
}

func lastNumberIndex(tokens []string) int {
	for i := len(tokens) - 1; i >= 0; i-- {
		if containsDigit(tokens[i]) {
			return i
		}
	}
	return -1
}

func containsDigit(value string) bool {
	for _, r := range value {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// normalizeText collapses whitespace, fixes unconditional `|`→l and
// `I`→i OCR confusions plus contextual (alpha-flanked only) `0`→o and
// `1`→i confusions, strips accents, and removes anything outside
// ASCII letters/digits/space/hyphen/apostrophe.
func normalizeText(value string) string {
	collapsed := collapseWhitespace(value)
	if collapsed == "" {
		return ""
	}
	fixed := strings.ReplaceAll(collapsed, "|", "l")
	fixed = strings.ReplaceAll(fixed, "I", "i")
	fixed = replaceOCRDigitConfusions(fixed)
	stripped := stripAccents(fixed)
	alnum := nonWordSafeRE.ReplaceAllString(stripped, " ")
	return collapseWhitespace(alnum)
}

// replaceOCRDigitConfusions folds `0`→o and `1`→i only when flanked by
// alphabetic characters on both sides, distinct from (and weaker than)
// internal/entity's unconditional identity-key folding.
func replaceOCRDigitConfusions(value string) string {
	chars := []rune(value)
	for i, c := range chars {
		prevIsAlpha := i > 0 && unicode.IsLetter(chars[i-1])
		nextIsAlpha := i+1 < len(chars) && unicode.IsLetter(chars[i+1])
		if c == '0' && prevIsAlpha && nextIsAlpha {
			chars[i] = 'o'
		} else if c == '1' && prevIsAlpha && nextIsAlpha {
			chars[i] = 'i'
		}
	}
	return string(chars)
}

func stripAccents(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return result
}

func toTitleCase(value string) string {
	if value == "" {
		return ""
	}
	tokens := strings.Split(value, " ")
	for i, token := range tokens {
		tokens[i] = titleToken(token)
	}
	return strings.Join(tokens, " ")
}

func titleToken(token string) string {
	if token == "" {
		return token
	}
	chars := []rune(token)
	return strings.ToUpper(string(chars[0])) + strings.ToLower(string(chars[1:]))
}

func collapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func splitSpaces(value string) []string {
	var out []string
	for _, token := range strings.Split(value, " ") {
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}
