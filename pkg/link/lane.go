package link

import "fmt"

// VoltageSwing ... transmitter drive level 0..3
type VoltageSwing uint8

// PreEmphasis ... transmitter pre-emphasis level 0..3
type PreEmphasis uint8

// PostCursor2 ... second post-cursor level 0..3
type PostCursor2 uint8

const (
	VoltageSwingLevel0 VoltageSwing = 0
	VoltageSwingMax    VoltageSwing = 3

	PreEmphasisDisabled PreEmphasis = 0
	PreEmphasisMax      PreEmphasis = 3

	PostCursor2Disabled PostCursor2 = 0
	PostCursor2Max      PostCursor2 = 3

	// MaxLanes is the widest main link
	MaxLanes = 4
)

// maxPreEmphasisForSwing is the allowed pre-emphasis ceiling for each swing
// level. The combined drive level must stay within level 3.
var maxPreEmphasisForSwing = [...]PreEmphasis{
	VoltageSwingLevel0: 3,
	1:                  2,
	2:                  1,
	VoltageSwingMax:    0,
}

// MaxPreEmphasis returns the largest pre-emphasis allowed with vs.
func MaxPreEmphasis(vs VoltageSwing) PreEmphasis {
	if vs > VoltageSwingMax {
		return PreEmphasisDisabled
	}
	return maxPreEmphasisForSwing[vs]
}

// LaneSettings ... per-lane transmitter drive settings
type LaneSettings struct {
	VoltageSwing VoltageSwing
	PreEmphasis  PreEmphasis
	PostCursor2  PostCursor2
}

// Clamp returns l bounded to the legal ranges, lowering pre-emphasis when it
// exceeds the ceiling for the requested swing.
func (l LaneSettings) Clamp() LaneSettings {
	if l.VoltageSwing > VoltageSwingMax {
		l.VoltageSwing = VoltageSwingMax
	}
	if m := MaxPreEmphasis(l.VoltageSwing); l.PreEmphasis > m {
		l.PreEmphasis = m
	}
	if l.PostCursor2 > PostCursor2Max {
		l.PostCursor2 = PostCursor2Max
	}
	return l
}

// MaxSwingReached ... true when the swing is at its top level
func (l LaneSettings) MaxSwingReached() bool {
	return l.VoltageSwing >= VoltageSwingMax
}

// MaxPreEmphasisReached ... true when pre-emphasis is at the ceiling for the swing
func (l LaneSettings) MaxPreEmphasisReached() bool {
	return l.PreEmphasis >= MaxPreEmphasis(l.VoltageSwing)
}

func (l LaneSettings) String() string {
	return fmt.Sprintf("vs%d/pe%d/pc%d", l.VoltageSwing, l.PreEmphasis, l.PostCursor2)
}

// MinimumLanes returns n lanes at the lowest drive level.
func MinimumLanes(n LaneCount) []LaneSettings {
	return make([]LaneSettings, n)
}

// Strongest folds the per-lane requests into one setting applied to every
// lane, picking the highest swing and pre-emphasis any lane asked for.
func Strongest(req []LaneSettings) LaneSettings {
	var out LaneSettings
	for _, l := range req {
		if l.VoltageSwing > out.VoltageSwing {
			out.VoltageSwing = l.VoltageSwing
		}
		if l.PreEmphasis > out.PreEmphasis {
			out.PreEmphasis = l.PreEmphasis
		}
		if l.PostCursor2 > out.PostCursor2 {
			out.PostCursor2 = l.PostCursor2
		}
	}
	return out.Clamp()
}

// Uniform returns n copies of l.
func Uniform(n LaneCount, l LaneSettings) []LaneSettings {
	out := make([]LaneSettings, n)
	for i := range out {
		out[i] = l
	}
	return out
}
