package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationFingerprint_InvariantAcrossOCRNoise(t *testing.T) {
	base := LocationFingerprint("Valebergsvägen", "316", "", "Billdal")

	variants := []struct {
		name                                       string
		street, streetNumber, postalArea, city string
	}{
		{"lowercase", "valebergsvägen", "316", "", "billdal"},
		{"uppercase", "VALEBERGSVÄGEN", "316", "", "BILLDAL"},
		{"accent stripped", "Valebergsvagen", "316", "", "Billdal"},
		{"extra whitespace", "  Valebergsvägen  ", "316", "", "Billdal"},
		{"digit/letter confusion", "Va1ebergsvägen", "3I6", "", "Bi11dal"},
	}

	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			got := LocationFingerprint(v.street, v.streetNumber, v.postalArea, v.city)
			assert.Equal(t, base, got)
		})
	}
}

func TestLocationFingerprint_PostalAreaWinsOverCity(t *testing.T) {
	withArea := LocationFingerprint("Storgatan", "1", "Centrum", "Göteborg")
	withoutArea := LocationFingerprint("Storgatan", "1", "", "Centrum")
	assert.Equal(t, withArea, withoutArea)

	differsByCityAlone := LocationFingerprint("Storgatan", "1", "Centrum", "Malmö")
	assert.Equal(t, withArea, differsByCityAlone)
}

func TestLocationFingerprint_DifferentPlacesDiffer(t *testing.T) {
	a := LocationFingerprint("Storgatan", "1", "", "Göteborg")
	b := LocationFingerprint("Storgatan", "2", "", "Göteborg")
	assert.NotEqual(t, a, b)
}

func TestCustomerFingerprint_InvariantAcrossNoiseAndAbbreviation(t *testing.T) {
	base := CustomerFingerprint("Marie Sjöberg")

	variants := []string{
		"marie sjöberg",
		"MARIE SJÖBERG",
		"Marie  Sjoberg",
		"Sjöberg Marie",
	}
	for _, name := range variants {
		assert.Equal(t, base, CustomerFingerprint(name), "variant %q", name)
	}
}

func TestCustomerFingerprint_DropsCorporateNoiseTokens(t *testing.T) {
	withNoise := CustomerFingerprint("Karlsson Städservice AB")
	withoutNoise := CustomerFingerprint("Karlsson")
	assert.Equal(t, withoutNoise, withNoise)
}

func TestCustomerFingerprint_AllNoiseTokensKeepsAll(t *testing.T) {
	// "ab" and "hb" are both noise tokens; stripping both leaves
	// nothing, so the fallback keeps the raw tokens.
	got := CustomerFingerprint("Ab Hb")
	assert.NotEqual(t, sha256Hex(""), got)
}

func TestCustomerFingerprint_Empty(t *testing.T) {
	assert.Equal(t, sha256Hex(""), CustomerFingerprint(""))
	assert.Equal(t, sha256Hex(""), CustomerFingerprint("   "))
}

func TestCustomerFingerprint_DifferentNamesDiffer(t *testing.T) {
	a := CustomerFingerprint("Marie Sjöberg")
	b := CustomerFingerprint("Anna Andersson")
	assert.NotEqual(t, a, b)
}
