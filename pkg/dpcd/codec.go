package dpcd

import (
	"fmt"
	"time"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// LaneStatus ... per-lane training status
type LaneStatus struct {
	CRDone        bool
	ChannelEqDone bool
	SymbolLocked  bool
}

// LinkStatus is the decoded 0x202..0x207 block.
type LinkStatus struct {
	Lanes             [link.MaxLanes]LaneStatus
	InterlaneAligned  bool
	PostLTAdjPending  bool
	DownstreamChanged bool
	Adjust            [link.MaxLanes]link.LaneSettings
}

// StatusBlockLength is the size of the lane status and adjust request block.
const StatusBlockLength = 6

// IRQBlockLength is the size of the interrupt status block read at SinkCount.
const IRQBlockLength = 8

// DecodeLinkStatus decodes a block read from Lane01Status.
func DecodeLinkStatus(b []byte) (LinkStatus, error) {
	var st LinkStatus
	if len(b) < StatusBlockLength {
		return st, fmt.Errorf("status block too short (%d bytes): %w", len(b), ErrTransport)
	}
	for lane := 0; lane < link.MaxLanes; lane++ {
		nibble := b[lane/2] >> (4 * uint(lane%2))
		st.Lanes[lane] = LaneStatus{
			CRDone:        nibble&LaneCRDone != 0,
			ChannelEqDone: nibble&LaneChannelEqDone != 0,
			SymbolLocked:  nibble&LaneSymbolLocked != 0,
		}
		adj := b[4+lane/2] >> (4 * uint(lane%2))
		st.Adjust[lane] = link.LaneSettings{
			VoltageSwing: link.VoltageSwing(adj & 0x03),
			PreEmphasis:  link.PreEmphasis((adj >> 2) & 0x03),
		}
	}
	st.InterlaneAligned = b[2]&InterlaneAlignDone != 0
	st.PostLTAdjPending = b[2]&PostLTAdjReqInProgress != 0
	st.DownstreamChanged = b[2]&DownstreamStatusChange != 0
	return st, nil
}

// ApplyPostCursor2 merges the ADJUST_REQUEST_POST_CURSOR2 byte into st.
func (st *LinkStatus) ApplyPostCursor2(v byte) {
	for lane := 0; lane < link.MaxLanes; lane++ {
		st.Adjust[lane].PostCursor2 = link.PostCursor2((v >> (2 * uint(lane))) & 0x03)
	}
}

// CRDone reports clock recovery on the first n lanes.
func (st LinkStatus) CRDone(n link.LaneCount) bool {
	for lane := 0; lane < int(n) && lane < link.MaxLanes; lane++ {
		if !st.Lanes[lane].CRDone {
			return false
		}
	}
	return n > 0
}

// ChannelEqDone reports EQ done and symbol lock on the first n lanes.
func (st LinkStatus) ChannelEqDone(n link.LaneCount) bool {
	for lane := 0; lane < int(n) && lane < link.MaxLanes; lane++ {
		if !st.Lanes[lane].ChannelEqDone || !st.Lanes[lane].SymbolLocked {
			return false
		}
	}
	return n > 0
}

// Trained ... clock recovery, equalization, symbol lock and alignment all hold
func (st LinkStatus) Trained(n link.LaneCount) bool {
	return st.CRDone(n) && st.ChannelEqDone(n) && st.InterlaneAligned
}

// Requested returns the sink's adjust requests for the first n lanes.
func (st LinkStatus) Requested(n link.LaneCount) []link.LaneSettings {
	out := make([]link.LaneSettings, 0, n)
	for lane := 0; lane < int(n) && lane < link.MaxLanes; lane++ {
		out = append(out, st.Adjust[lane])
	}
	return out
}

// EncodeLaneSet encodes TRAINING_LANEx_SET bytes for the given lanes.
func EncodeLaneSet(lanes []link.LaneSettings) []byte {
	out := make([]byte, len(lanes))
	for i, l := range lanes {
		v := byte(l.VoltageSwing) & 0x03
		if l.MaxSwingReached() {
			v |= MaxSwingReachedBit
		}
		v |= (byte(l.PreEmphasis) & 0x03) << 3
		if l.MaxPreEmphasisReached() {
			v |= MaxPreEmphasisReachedBit
		}
		out[i] = v
	}
	return out
}

// DecodeLaneSet is the inverse of EncodeLaneSet.
func DecodeLaneSet(b []byte) []link.LaneSettings {
	out := make([]link.LaneSettings, len(b))
	for i, v := range b {
		out[i] = link.LaneSettings{
			VoltageSwing: link.VoltageSwing(v & 0x03),
			PreEmphasis:  link.PreEmphasis((v >> 3) & 0x03),
		}
	}
	return out
}

// EncodePostCursor2Set encodes the two TRAINING_LANEx_1_SET2 bytes.
func EncodePostCursor2Set(lanes []link.LaneSettings) []byte {
	out := make([]byte, 2)
	for i, l := range lanes {
		if i >= link.MaxLanes {
			break
		}
		v := byte(l.PostCursor2) & 0x03
		if l.PostCursor2 >= link.PostCursor2Max {
			v |= 1 << 2
		}
		out[i/2] |= v << (4 * uint(i%2))
	}
	return out
}

// EncodeTrainingPattern returns the TRAINING_PATTERN_SET byte. Scrambling is
// disabled while any training pattern is driven.
func EncodeTrainingPattern(p TrainingPattern) byte {
	if p == TrainingPatternVideoIdle {
		return 0
	}
	return byte(p)&TrainingPatternMk | ScramblingDisable
}

// AuxReadInterval returns how long to wait before reading channel EQ status.
// A zero register value means 400us; otherwise the unit is 4ms.
func AuxReadInterval(reg byte) time.Duration {
	v := reg & TrainingAuxRdIntervalMask
	if v == 0 {
		return 400 * time.Microsecond
	}
	if v > 4 {
		v = 4
	}
	return time.Duration(v) * 4 * time.Millisecond
}

// ClockRecoveryInterval is the fixed wait before reading CR status.
const ClockRecoveryInterval = 100 * time.Microsecond

// IRQStatus is the decoded 8-byte interrupt status block at SinkCount.
type IRQStatus struct {
	SinkCount     uint8
	ServiceVector byte
	Link          LinkStatus
}

// DecodeIRQStatus decodes the block read from SinkCount.
func DecodeIRQStatus(b []byte) (IRQStatus, error) {
	var st IRQStatus
	if len(b) < IRQBlockLength {
		return st, fmt.Errorf("irq block too short (%d bytes): %w", len(b), ErrTransport)
	}
	st.SinkCount = b[0] & SinkCountMask
	st.ServiceVector = b[1]
	ls, err := DecodeLinkStatus(b[2:])
	if err != nil {
		return st, err
	}
	st.Link = ls
	return st, nil
}

// Revision converts the DPCD_REV byte into a "major.minor" string.
func Revision(b byte) string {
	return fmt.Sprintf("%d.%d", b>>4, b&0x0F)
}
