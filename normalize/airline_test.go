package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testAirlineMap() *AirlineMap {
	return NewAirlineMap(map[string]Airline{
		"ماهان":         {Name: "Mahan Air", Code: "W5"},
		"Mahan Air":     {Name: "Mahan Air", Code: "W5"},
		"ایران ایر":     {Name: "Iran Air", Code: "IR"},
		"Iran Air":      {Name: "Iran Air", Code: "IR"},
		"هواپیمایی قشم": {Name: "Qeshm Air", Code: "QB"},
	})
}

func TestAirlineMapCanonical(t *testing.T) {
	t.Parallel()

	m := testAirlineMap()

	a, known := m.Canonical("ماهان")
	assert.True(t, known)
	assert.Equal(t, Airline{Name: "Mahan Air", Code: "W5"}, a)

	// Case and whitespace variants of a registered English name still match.
	a, known = m.Canonical("  mahan air ")
	assert.True(t, known)
	assert.Equal(t, "W5", a.Code)
}

func TestAirlineMapUnknownPassesThrough(t *testing.T) {
	t.Parallel()

	m := testAirlineMap()
	a, known := m.Canonical("Fly Nowhere")
	assert.False(t, known)
	assert.Equal(t, "Fly Nowhere", a.Name)
	assert.Empty(t, a.Code)
}

func TestAirlineMapNilSafe(t *testing.T) {
	t.Parallel()

	var m *AirlineMap
	a, known := m.Canonical("ماهان")
	assert.False(t, known)
	assert.Equal(t, "ماهان", a.Name)
}
