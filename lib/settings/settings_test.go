package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	require := require.New(t)

	s := DefaultSettings()
	require.Equal(4096, s.CacheSizeBlocks)
	require.Equal(ChokingFixedSlots, s.ChokingAlgorithm)
	require.Equal(AllowedEncBoth, s.AllowedEncLevel)
}

func TestNumOptimisticSlots(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		name     string
		settings Settings
		want     int
	}{
		{"explicit", Settings{NumOptimisticUnchokeSlots: 3, UnchokeSlotsLimit: 40}, 3},
		{"default fifth", Settings{UnchokeSlotsLimit: 40}, 8},
		{"default floor", Settings{UnchokeSlotsLimit: 2}, 1},
		{"unlimited slots", Settings{UnchokeSlotsLimit: -1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(tt.want, tt.settings.NumOptimisticSlots())
		})
	}
}
