package negotiate_test

import (
	"errors"
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/negotiate"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fourHBR2 = link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh2}
	fourHBR  = link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh}
	fourRBR  = link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateLow}
	twoHBR   = link.Settings{LaneCount: link.LaneCountTwo, LinkRate: link.LinkRateHigh}
	twoHBR2  = link.Settings{LaneCount: link.LaneCountTwo, LinkRate: link.LinkRateHigh2}
)

// timingFor returns a 24 bpp timing needing exactly bw kbps.
func timingFor(bw uint64) link.Timing {
	return link.Timing{PixelClockKHz: bw / 24, BitsPerColor: 8}
}

func newNegotiator(verified link.Settings) (*negotiate.Negotiator, *capability.Store, *sim.PHY) {
	store := capability.NewStore("DP-1")
	store.SetReported(fourHBR2)
	store.SetVerified(verified)
	phy := sim.NewPHY(0)
	return negotiate.New("DP-1", store, phy), store, phy
}

func TestDecideExactFit(t *testing.T) {
	n, _, _ := newNegotiator(fourHBR2)
	d, err := n.Decide(timingFor(link.Bandwidth(twoHBR)))
	require.NoError(t, err)
	assert.Equal(t, twoHBR, d.Settings)
	assert.True(t, d.Sufficient)
	assert.False(t, d.Preferred)
}

func TestDecideNeverUnderProvisions(t *testing.T) {
	n, store, _ := newNegotiator(fourHBR2)
	table := link.PriorityTable(store.Reported(), store.Verified())
	for pclk := uint64(25000); pclk <= 720000; pclk += 2500 {
		for _, bpc := range []uint8{6, 8, 10} {
			timing := link.Timing{PixelClockKHz: pclk, BitsPerColor: bpc}
			required := link.TimingBandwidth(timing)
			d, err := n.Decide(timing)
			require.NoError(t, err)

			var lowest link.Settings
			for _, s := range table {
				if link.Bandwidth(s) >= required {
					lowest = s
					break
				}
			}
			if lowest.IsUnknown() {
				assert.False(t, d.Sufficient, "pclk %d bpc %d", pclk, bpc)
				assert.Equal(t, fourHBR2, d.Settings)
				continue
			}
			assert.True(t, d.Sufficient)
			assert.GreaterOrEqual(t, link.Bandwidth(d.Settings), required, "pclk %d bpc %d", pclk, bpc)
			assert.Equal(t, lowest, d.Settings, "pclk %d bpc %d", pclk, bpc)
		}
	}
}

func TestDecideWithinVerified(t *testing.T) {
	n, _, _ := newNegotiator(fourHBR)
	d, err := n.Decide(link.Timing{PixelClockKHz: link.Bandwidth(fourHBR)/24 + 1, BitsPerColor: 8})
	require.NoError(t, err)
	assert.Equal(t, fourHBR, d.Settings)
	assert.False(t, d.Sufficient, "best effort is a soft failure")
	assert.Equal(t, "4xHBR (best effort)", d.String())
}

func TestDecideSkipsPhysicallyInvalid(t *testing.T) {
	n, _, phy := newNegotiator(fourHBR2)
	phy.Reject(twoHBR)
	d, err := n.Decide(timingFor(link.Bandwidth(twoHBR)))
	require.NoError(t, err)
	assert.Equal(t, fourRBR, d.Settings)
}

func TestDecidePreferred(t *testing.T) {
	tests := []struct {
		name          string
		verified      link.Settings
		preferred     link.Settings
		required      uint64
		want          link.Settings
		preferredUsed bool
	}{
		{"taken", fourHBR2, twoHBR2, link.Bandwidth(twoHBR), twoHBR2, true},
		{"too slow", fourHBR2, twoHBR, link.Bandwidth(fourHBR), fourHBR, false},
		{"rate above verified", fourHBR, twoHBR2, link.Bandwidth(twoHBR), twoHBR, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, store, _ := newNegotiator(tc.verified)
			store.SetPreferred(tc.preferred)
			d, err := n.Decide(timingFor(tc.required))
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Settings)
			assert.Equal(t, tc.preferredUsed, d.Preferred)
		})
	}
}

func TestDecideUnverified(t *testing.T) {
	store := capability.NewStore("DP-1")
	store.SetReported(fourHBR2)
	n := negotiate.New("DP-1", store, sim.NewPHY(0))
	_, err := n.Decide(timingFor(1000))
	assert.True(t, errors.Is(err, negotiate.ErrNotVerified))
}
