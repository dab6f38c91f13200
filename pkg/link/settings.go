// Package link holds the DisplayPort link value types and the static catalog
// of lane-count/link-rate combinations used for negotiation and fallback.
package link

import (
	"fmt"
	"strconv"
	"strings"
)

// LaneCount ... number of active main-link lanes
type LaneCount uint8

// LinkRate is the per-lane symbol rate expressed as the DPCD LINK_BW_SET code.
// The code multiplied by 0.27 Gbps gives the raw lane bit rate.
type LinkRate uint8

// LinkSpread ... downspread setting
type LinkSpread uint8

const (
	LaneCountUnknown LaneCount = 0
	LaneCountOne     LaneCount = 1
	LaneCountTwo     LaneCount = 2
	LaneCountFour    LaneCount = 4
)

const (
	LinkRateUnknown LinkRate = 0x00
	// LinkRateLow RBR 1.62 Gbps
	LinkRateLow LinkRate = 0x06
	// LinkRateHigh HBR 2.7 Gbps
	LinkRateHigh LinkRate = 0x0A
	// LinkRateRBR2 eDP 3.24 Gbps
	LinkRateRBR2 LinkRate = 0x0C
	// LinkRateHigh2 HBR2 5.4 Gbps
	LinkRateHigh2 LinkRate = 0x14
	// LinkRateHigh3 HBR3 8.1 Gbps. Only recognised as a reported value.
	LinkRateHigh3 LinkRate = 0x1E
)

const (
	SpreadDisabled LinkSpread = 0
	SpreadEnabled  LinkSpread = 1
)

// linkRateRefFreqKHz is the symbol clock per unit of LINK_BW code. The 8b/10b
// overhead is folded in: one symbol carries one data byte.
const linkRateRefFreqKHz = 27000

// rateRank orders rates by achievable bandwidth. The DPCD codes are not
// assigned in bandwidth order across every sink family, so comparisons must
// go through the rank.
var rateRank = map[LinkRate]int{
	LinkRateUnknown: 0,
	LinkRateLow:     1,
	LinkRateHigh:    2,
	LinkRateRBR2:    3,
	LinkRateHigh2:   4,
	LinkRateHigh3:   5,
}

// Rank returns the bandwidth ordinal of the rate, 0 for unknown codes.
func (r LinkRate) Rank() int {
	return rateRank[r]
}

// Valid reports whether r is one of the recognised rates.
func (r LinkRate) Valid() bool {
	return r.Rank() > 0
}

func (r LinkRate) String() string {
	switch r {
	case LinkRateLow:
		return "RBR"
	case LinkRateHigh:
		return "HBR"
	case LinkRateRBR2:
		return "RBR2"
	case LinkRateHigh2:
		return "HBR2"
	case LinkRateHigh3:
		return "HBR3"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(r))
	}
}

// ParseLinkRate converts a rate name as used in configuration files.
func ParseLinkRate(s string) (LinkRate, error) {
	switch s {
	case "RBR", "LOW", "low":
		return LinkRateLow, nil
	case "HBR", "HIGH", "high":
		return LinkRateHigh, nil
	case "RBR2", "rbr2":
		return LinkRateRBR2, nil
	case "HBR2", "HIGH2", "high2":
		return LinkRateHigh2, nil
	case "HBR3", "HIGH3", "high3":
		return LinkRateHigh3, nil
	}
	return LinkRateUnknown, fmt.Errorf("unknown link rate %q", s)
}

// Valid reports whether n is a lane count the main link can be trained at.
func (n LaneCount) Valid() bool {
	return n == LaneCountOne || n == LaneCountTwo || n == LaneCountFour
}

// Settings ... one lane-count/link-rate/spread combination
type Settings struct {
	LaneCount LaneCount
	LinkRate  LinkRate
	Spread    LinkSpread
}

// Unknown is the zero Settings, used wherever capability has not been
// established yet.
var Unknown = Settings{}

// FailSafe is the lowest configuration every DisplayPort sink must train at.
var FailSafe = Settings{LaneCount: LaneCountOne, LinkRate: LinkRateLow}

// IsUnknown ... true when the lane count has not been determined
func (s Settings) IsUnknown() bool {
	return s.LaneCount == LaneCountUnknown
}

// Within reports whether s does not exceed ceiling in lane count or rate.
func (s Settings) Within(ceiling Settings) bool {
	return s.LaneCount <= ceiling.LaneCount && s.LinkRate.Rank() <= ceiling.LinkRate.Rank()
}

// Equal compares lane count and rate. Spread does not change the bandwidth.
func (s Settings) Equal(o Settings) bool {
	return s.LaneCount == o.LaneCount && s.LinkRate == o.LinkRate
}

// WithSpread returns a copy of s carrying the given spread.
func (s Settings) WithSpread(spread LinkSpread) Settings {
	s.Spread = spread
	return s
}

func (s Settings) String() string {
	if s.IsUnknown() {
		return "unknown"
	}
	spread := ""
	if s.Spread == SpreadEnabled {
		spread = " ssc"
	}
	return fmt.Sprintf("%dx%s%s", s.LaneCount, s.LinkRate, spread)
}

// ParseSettings parses the "<lanes>x<rate>" form String produces, e.g.
// "2xHBR". An empty string is Unknown.
func ParseSettings(s string) (Settings, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "unknown" {
		return Unknown, nil
	}
	spread := SpreadDisabled
	if strings.HasSuffix(s, " ssc") {
		spread = SpreadEnabled
		s = strings.TrimSuffix(s, " ssc")
	}
	lanes, rate, ok := strings.Cut(s, "x")
	if !ok {
		return Unknown, fmt.Errorf("link settings %q: want <lanes>x<rate>", s)
	}
	n, err := strconv.Atoi(lanes)
	if err != nil || !LaneCount(n).Valid() {
		return Unknown, fmt.Errorf("link settings %q: bad lane count %q", s, lanes)
	}
	r, err := ParseLinkRate(rate)
	if err != nil {
		return Unknown, fmt.Errorf("link settings %q: %w", s, err)
	}
	return Settings{LaneCount: LaneCount(n), LinkRate: r, Spread: spread}, nil
}

// Intersect returns the largest settings contained in both a and b. An
// unknown operand yields Unknown.
func Intersect(a, b Settings) Settings {
	if a.IsUnknown() || b.IsUnknown() {
		return Unknown
	}
	out := a
	if b.LaneCount < out.LaneCount {
		out.LaneCount = b.LaneCount
	}
	if b.LinkRate.Rank() < out.LinkRate.Rank() {
		out.LinkRate = b.LinkRate
	}
	if b.Spread == SpreadDisabled {
		out.Spread = SpreadDisabled
	}
	return out
}

// Less orders settings by bandwidth, falling back to the rate rank for ties.
func Less(a, b Settings) bool {
	ba, bb := Bandwidth(a), Bandwidth(b)
	if ba != bb {
		return ba < bb
	}
	return a.LinkRate.Rank() < b.LinkRate.Rank()
}
