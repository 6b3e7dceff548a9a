package domain

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHazardType_Lookups(t *testing.T) {
	tests := []struct {
		hazard HazardType
		name   string
		kind   Kind
		phen   string
		sig    Significance
	}{
		{"TOR", "Tornado Warning", KindEvent, "TO", SignificanceWarning},
		{"SMW", "Special Marine Warning", KindEvent, "MA", SignificanceWarning},
		{"TOA", "Tornado Watch", KindEpisode, "TO", SignificanceWatch},
	}
	for _, tt := range tests {
		t.Run(string(tt.hazard), func(t *testing.T) {
			assert.True(t, tt.hazard.Whitelisted())
			assert.Equal(t, tt.name, tt.hazard.Name())
			assert.Equal(t, tt.kind, tt.hazard.Kind())
			phen, sig := tt.hazard.Tracking()
			assert.Equal(t, tt.phen, phen)
			assert.Equal(t, tt.sig, sig)
		})
	}

	unknown := HazardType("XYZ")
	assert.False(t, unknown.Whitelisted())
	assert.Empty(t, unknown.Name())
}

func TestHazardTypes_SortedWhitelist(t *testing.T) {
	all := HazardTypes()
	assert.Len(t, all, len(hazards))
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i] < all[j] }))
	for _, h := range all {
		assert.True(t, h.Whitelisted(), h)
	}
}
