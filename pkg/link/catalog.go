package link

import (
	"sort"
)

// Timing ... the part of a pixel timing that determines link bandwidth
type Timing struct {
	PixelClockKHz uint64
	BitsPerColor  uint8
	// LumaOnly timings carry a single color component per pixel.
	LumaOnly bool
}

// Bandwidth returns the payload bandwidth of s in kbps.
func Bandwidth(s Settings) uint64 {
	if s.IsUnknown() || !s.LinkRate.Valid() {
		return 0
	}
	return uint64(s.LinkRate) * linkRateRefFreqKHz * uint64(s.LaneCount) * 8
}

// TimingBandwidth returns the bandwidth a timing needs in kbps.
func TimingBandwidth(t Timing) uint64 {
	components := uint64(3)
	if t.LumaOnly {
		components = 1
	}
	return t.PixelClockKHz * uint64(t.BitsPerColor) * components
}

var (
	catalogLanes     = []LaneCount{LaneCountOne, LaneCountTwo, LaneCountFour}
	catalogRates     = []LinkRate{LinkRateLow, LinkRateHigh, LinkRateHigh2}
	catalogRatesRBR2 = []LinkRate{LinkRateLow, LinkRateHigh, LinkRateRBR2, LinkRateHigh2}
)

// UsesRBR2Table reports whether the RBR2 table variant applies. The variant is
// keyed on the rate the sink reported, not on what it later verified at.
func UsesRBR2Table(reportedMax Settings) bool {
	return reportedMax.LinkRate == LinkRateRBR2
}

func candidates(reportedMax Settings) []Settings {
	rates := catalogRates
	if UsesRBR2Table(reportedMax) {
		rates = catalogRatesRBR2
	}
	out := make([]Settings, 0, len(rates)*len(catalogLanes))
	for _, n := range catalogLanes {
		for _, r := range rates {
			out = append(out, Settings{LaneCount: n, LinkRate: r})
		}
	}
	return out
}

// PriorityTable returns the catalog entries that fit under ceiling in
// ascending bandwidth order. Every bandwidth tier appears once; when two
// combinations give the same bandwidth the one with more lanes at a lower
// rate is kept, unless the ceiling rules it out. Entries inherit the spread
// of the ceiling.
func PriorityTable(reportedMax, ceiling Settings) []Settings {
	if ceiling.IsUnknown() {
		return nil
	}
	tiers := map[uint64]Settings{}
	for _, c := range candidates(reportedMax) {
		if !c.Within(ceiling) {
			continue
		}
		bw := Bandwidth(c)
		// Equal-bandwidth entries collapse onto the wider one. With four
		// lanes allowed 2xHBR2 is never tried, so a cable with only two
		// working lanes verifies at 2xHBR, not 2xHBR2.
		if cur, ok := tiers[bw]; !ok || c.LaneCount > cur.LaneCount {
			tiers[bw] = c
		}
	}
	table := make([]Settings, 0, len(tiers))
	for _, s := range tiers {
		table = append(table, s.WithSpread(ceiling.Spread))
	}
	sort.Slice(table, func(i, j int) bool {
		return Bandwidth(table[i]) < Bandwidth(table[j])
	})
	return table
}

// FallbackTable returns the PriorityTable entries from fastest to slowest,
// the order used while probing.
func FallbackTable(reportedMax, ceiling Settings) []Settings {
	table := PriorityTable(reportedMax, ceiling)
	for i, j := 0, len(table)-1; i < j; i, j = i+1, j-1 {
		table[i], table[j] = table[j], table[i]
	}
	return table
}
