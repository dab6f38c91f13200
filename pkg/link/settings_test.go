package link_test

import (
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	tests := []struct {
		in      string
		want    link.Settings
		wantErr bool
	}{
		{"", link.Unknown, false},
		{"2xHBR", link.Settings{LaneCount: 2, LinkRate: link.LinkRateHigh}, false},
		{"4xHBR2 ssc", link.Settings{LaneCount: 4, LinkRate: link.LinkRateHigh2, Spread: link.SpreadEnabled}, false},
		{"1xRBR", link.FailSafe, false},
		{"3xHBR", link.Unknown, true},
		{"4xUHBR10", link.Unknown, true},
		{"HBR2", link.Unknown, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := link.ParseSettings(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			if !got.IsUnknown() {
				assert.Equal(t, tc.in, got.String())
			}
		})
	}
}
