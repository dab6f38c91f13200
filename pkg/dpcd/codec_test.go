package dpcd_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLinkStatus(t *testing.T) {
	// lane0 CR+EQ+SL, lane1 CR only, lanes 2/3 nothing, aligned, adjust lane0 vs1 pe2, lane1 vs3
	b := []byte{0x17, 0x00, 0x01, 0x00, 0x39, 0x00}
	st, err := dpcd.DecodeLinkStatus(b)
	require.NoError(t, err)
	assert.True(t, st.Lanes[0].CRDone)
	assert.True(t, st.Lanes[0].ChannelEqDone)
	assert.True(t, st.Lanes[0].SymbolLocked)
	assert.True(t, st.Lanes[1].CRDone)
	assert.False(t, st.Lanes[1].ChannelEqDone)
	assert.True(t, st.InterlaneAligned)
	assert.True(t, st.CRDone(link.LaneCountTwo))
	assert.False(t, st.CRDone(link.LaneCountFour))
	assert.True(t, st.ChannelEqDone(link.LaneCountOne))
	assert.False(t, st.Trained(link.LaneCountTwo))
	assert.Equal(t, link.LaneSettings{VoltageSwing: 1, PreEmphasis: 2}, st.Adjust[0])
	assert.Equal(t, link.LaneSettings{VoltageSwing: 3}, st.Adjust[1])

	_, err = dpcd.DecodeLinkStatus(b[:3])
	assert.True(t, errors.Is(err, dpcd.ErrTransport))
}

func TestLaneSetRoundTrip(t *testing.T) {
	lanes := []link.LaneSettings{{VoltageSwing: 3}, {VoltageSwing: 1, PreEmphasis: 2}}
	enc := dpcd.EncodeLaneSet(lanes)
	assert.Equal(t, byte(0x03|dpcd.MaxSwingReachedBit|dpcd.MaxPreEmphasisReachedBit), enc[0])
	assert.Equal(t, byte(0x01|2<<3|dpcd.MaxPreEmphasisReachedBit), enc[1])
	assert.Equal(t, lanes, dpcd.DecodeLaneSet(enc))
}

func TestEncodeTrainingPattern(t *testing.T) {
	assert.Equal(t, byte(0), dpcd.EncodeTrainingPattern(dpcd.TrainingPatternVideoIdle))
	assert.Equal(t, byte(0x21), dpcd.EncodeTrainingPattern(dpcd.TrainingPattern1))
	assert.Equal(t, byte(0x23), dpcd.EncodeTrainingPattern(dpcd.TrainingPattern3))
}

func TestAuxReadInterval(t *testing.T) {
	assert.Equal(t, 400*time.Microsecond, dpcd.AuxReadInterval(0))
	assert.Equal(t, 8*time.Millisecond, dpcd.AuxReadInterval(2))
	assert.Equal(t, 16*time.Millisecond, dpcd.AuxReadInterval(0x80|0x7F))
}

func TestDecodeIRQStatus(t *testing.T) {
	b := []byte{0x02, dpcd.AutomatedTestRequest, 0x77, 0x77, 0x01, 0, 0, 0}
	st, err := dpcd.DecodeIRQStatus(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), st.SinkCount)
	assert.NotZero(t, st.ServiceVector&dpcd.AutomatedTestRequest)
	assert.True(t, st.Link.Trained(link.LaneCountFour))
}

func TestDetailedPortRoundTrip(t *testing.T) {
	p := dpcd.DownstreamPort{Present: true, Type: dpcd.PortTypeHDMI, MaxPixelClockKHz: 300000, MaxBitsPerColor: 12}
	b := dpcd.EncodeDetailedPort(p)
	assert.Equal(t, []byte{3, 120, 2, 0}, b)
	assert.Equal(t, "1.2", dpcd.Revision(0x12))
	assert.Equal(t, dpcd.PortTypeVGA, dpcd.ParsePortType("vga"))
}
