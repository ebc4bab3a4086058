// Package entity computes deterministic fingerprints for locations and
// customers that stay stable across OCR noise: accent loss, case drift,
// punctuation, and confusable-character substitution.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// companyNoiseTokens are tokens that identify a corporate/service
// customer name rather than a person, and are dropped before picking a
// surname — unless dropping them would leave nothing.
var companyNoiseTokens = map[string]struct{}{
	"ab":          {},
	"hb":          {},
	"stadservice": {},
	"stadtjanst":  {},
	"stadning":    {},
}

var (
	zeroOPattern  = regexp.MustCompile(`[0o]`)
	oneILPattern  = regexp.MustCompile(`[1il|]`)
	nonAlnumOnly  = regexp.MustCompile(`[^a-z0-9]`)
	nonWordSafe   = regexp.MustCompile(`[^A-Za-z0-9\s\-']`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// LocationFingerprint returns an opaque deterministic hash identifying a
// physical location. postalArea wins over city when both are present.
func LocationFingerprint(street, streetNumber, postalArea, city string) string {
	place := postalArea
	if place == "" {
		place = city
	}
	source := strings.Join([]string{
		normalizeComponent(street),
		normalizeComponent(streetNumber),
		normalizeComponent(place),
	}, "|")
	return sha256Hex(source)
}

// CustomerFingerprint returns an opaque deterministic hash identifying a
// customer by name, tolerant of corporate-noise tokens and given-name
// abbreviation: the surname is the longest token, and the rest
// contribute sorted initials only.
func CustomerFingerprint(customerName string) string {
	normalized := strings.ToLower(normalizeReadableText(customerName))
	rawTokens := splitNonEmpty(normalized, " ")
	tokens := make([]string, 0, len(rawTokens))
	for _, token := range rawTokens {
		if _, noise := companyNoiseTokens[token]; !noise {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		tokens = rawTokens
	}
	if len(tokens) == 0 {
		return sha256Hex("")
	}

	surname := tokens[0]
	for _, token := range tokens[1:] {
		if len(token) > len(surname) {
			surname = token
		}
	}

	initials := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == surname || token == "" {
			continue
		}
		initials = append(initials, token[:1])
	}
	sort.Strings(initials)

	source := surname + "|" + strings.Join(initials, "")
	return sha256Hex(source)
}

// normalizeComponent folds a single address component to a form that
// collapses common OCR digit/letter confusions: the pattern is
// unconditional (not gated on alphabetic context) to match the
// strength required of a location identity key.
func normalizeComponent(value string) string {
	base := strings.ToLower(normalizeReadableText(value))
	if base == "" {
		return ""
	}
	base = zeroOPattern.ReplaceAllString(base, "o")
	base = oneILPattern.ReplaceAllString(base, "l")
	base = nonAlnumOnly.ReplaceAllString(base, "")
	return base
}

func normalizeReadableText(value string) string {
	collapsed := strings.Join(splitNonEmpty(value, ""), " ")
	if collapsed == "" {
		return ""
	}
	stripped := stripAccents(collapsed)
	alnum := nonWordSafe.ReplaceAllString(stripped, " ")
	return strings.Join(splitNonEmpty(alnum, ""), " ")
}

// stripAccents removes combining marks after NFKD decomposition, the
// same normalize("NFKD") + strip-combining approach as the reference
// implementation.
func stripAccents(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicodeMn)), norm.NFC)
	result, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return result
}

// splitNonEmpty splits on any whitespace run (sep is ignored when empty,
// matching Python's str.split() with no argument) and drops empty
// fields, collapsing repeated whitespace.
func splitNonEmpty(value, sep string) []string {
	var fields []string
	if sep == "" {
		fields = strings.Fields(value)
	} else {
		fields = whitespaceRun.Split(strings.TrimSpace(value), -1)
		if len(fields) == 1 && fields[0] == "" {
			return nil
		}
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func sha256Hex(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

var unicodeMn = unicode.Mn
