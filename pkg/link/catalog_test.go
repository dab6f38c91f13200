package link_test

import (
	"fmt"
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/stretchr/testify/assert"
)

var ceilings = []link.Settings{
	{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh2},
	{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh3, Spread: link.SpreadEnabled},
	{LaneCount: link.LaneCountTwo, LinkRate: link.LinkRateHigh2},
	{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateRBR2},
	{LaneCount: link.LaneCountOne, LinkRate: link.LinkRateHigh},
	{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateLow},
}

func TestBandwidth(t *testing.T) {
	assert.Equal(t, uint64(1296000), link.Bandwidth(link.FailSafe))
	assert.Equal(t, uint64(8640000), link.Bandwidth(link.Settings{LaneCount: 4, LinkRate: link.LinkRateHigh}))
	assert.Equal(t, uint64(17280000), link.Bandwidth(link.Settings{LaneCount: 4, LinkRate: link.LinkRateHigh2}))
	assert.Equal(t, uint64(0), link.Bandwidth(link.Unknown))
}

func TestTimingBandwidth(t *testing.T) {
	// 1080p60 at 8 bpc
	assert.Equal(t, uint64(148500*24), link.TimingBandwidth(link.Timing{PixelClockKHz: 148500, BitsPerColor: 8}))
	assert.Equal(t, uint64(148500*8), link.TimingBandwidth(link.Timing{PixelClockKHz: 148500, BitsPerColor: 8, LumaOnly: true}))
}

func TestTablesStrictlyIncreasing(t *testing.T) {
	for _, c := range ceilings {
		t.Run(c.String(), func(t *testing.T) {
			priority := link.PriorityTable(c, c)
			assert.NotEmpty(t, priority)
			for i := 1; i < len(priority); i++ {
				assert.Less(t, link.Bandwidth(priority[i-1]), link.Bandwidth(priority[i]),
					"priority %s !< %s", priority[i-1], priority[i])
			}
			fallback := link.FallbackTable(c, c)
			assert.Len(t, fallback, len(priority))
			for i := 1; i < len(fallback); i++ {
				assert.Greater(t, link.Bandwidth(fallback[i-1]), link.Bandwidth(fallback[i]),
					"fallback %s !> %s", fallback[i-1], fallback[i])
			}
			for _, s := range priority {
				assert.True(t, s.Within(c), "%s exceeds ceiling %s", s, c)
				assert.Equal(t, c.Spread, s.Spread)
			}
		})
	}
}

func TestPriorityTableTieBreak(t *testing.T) {
	full := link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh2}
	table := link.PriorityTable(full, full)
	expected := []string{"1xRBR", "1xHBR", "2xRBR", "2xHBR", "4xRBR", "4xHBR", "4xHBR2"}
	got := []string{}
	for _, s := range table {
		got = append(got, s.String())
	}
	assert.Equal(t, expected, got)
	assert.NotContains(t, got, "2xHBR2", "shares its tier with 4xHBR")

	// two lanes only: the HBR2 tier must still be reachable
	narrow := link.Settings{LaneCount: link.LaneCountTwo, LinkRate: link.LinkRateHigh2}
	table = link.PriorityTable(narrow, narrow)
	assert.Equal(t, link.Settings{LaneCount: 2, LinkRate: link.LinkRateHigh2}, table[len(table)-1])
}

// The RBR2 table is selected from the reported rate only. A sink that
// reports HBR2 but later verifies at RBR2 keeps the base table.
func TestRBR2TableKeyedOnReportedRate(t *testing.T) {
	rbr2 := link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateRBR2}
	assert.True(t, link.UsesRBR2Table(rbr2))
	table := link.FallbackTable(rbr2, rbr2)
	assert.Equal(t, rbr2, table[0])

	reportedHBR2 := link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh2}
	assert.False(t, link.UsesRBR2Table(reportedHBR2))
	for _, s := range link.PriorityTable(reportedHBR2, rbr2) {
		assert.NotEqual(t, link.LinkRateRBR2, s.LinkRate, fmt.Sprintf("unexpected %s", s))
	}
}

func TestIntersect(t *testing.T) {
	a := link.Settings{LaneCount: 4, LinkRate: link.LinkRateHigh, Spread: link.SpreadEnabled}
	b := link.Settings{LaneCount: 2, LinkRate: link.LinkRateHigh2, Spread: link.SpreadEnabled}
	assert.Equal(t, link.Settings{LaneCount: 2, LinkRate: link.LinkRateHigh, Spread: link.SpreadEnabled}, link.Intersect(a, b))
	assert.True(t, link.Intersect(a, link.Unknown).IsUnknown())
	b.Spread = link.SpreadDisabled
	assert.Equal(t, link.SpreadDisabled, link.Intersect(a, b).Spread)
}

func TestLaneSettingsClamp(t *testing.T) {
	l := link.LaneSettings{VoltageSwing: 2, PreEmphasis: 3}.Clamp()
	assert.Equal(t, link.PreEmphasis(1), l.PreEmphasis)
	assert.True(t, l.MaxPreEmphasisReached())
	s := link.Strongest([]link.LaneSettings{{VoltageSwing: 1}, {VoltageSwing: 0, PreEmphasis: 2}})
	assert.Equal(t, link.LaneSettings{VoltageSwing: 1, PreEmphasis: 2}, s)
}
