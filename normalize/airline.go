package normalize

import (
	"strings"

	anyascii "github.com/anyascii/go"
)

// Airline is the canonical name/IATA-code pair for a carrier.
type Airline struct {
	Name string
	Code string // two-letter IATA code
}

// AirlineMap resolves the Persian and English name variants a site emits to a
// canonical airline. It is built once from site config and is read-only
// afterwards, so it is safe for concurrent use.
type AirlineMap struct {
	byKey map[string]Airline
}

// NewAirlineMap builds an AirlineMap from variant -> canonical entries.
// Variant keys may be Persian, Arabic, or English; they are folded to a
// transliterated lowercase ASCII key so minor spelling differences between
// sites still match.
func NewAirlineMap(entries map[string]Airline) *AirlineMap {
	m := &AirlineMap{byKey: make(map[string]Airline, len(entries))}
	for variant, canonical := range entries {
		m.byKey[foldAirlineKey(variant)] = canonical
	}
	return m
}

// Canonical returns the canonical airline for the given raw name. Unknown
// names come back unchanged with an empty code and known=false so callers can
// flag them without dropping the record.
func (m *AirlineMap) Canonical(raw string) (a Airline, known bool) {
	if m != nil {
		if canonical, ok := m.byKey[foldAirlineKey(raw)]; ok {
			return canonical, true
		}
	}
	return Airline{Name: strings.TrimSpace(raw)}, false
}

func foldAirlineKey(s string) string {
	s = anyascii.Transliterate(Digits(s))
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
