// Package dpcd describes the sink's DisplayPort configuration data space and
// the control channel used to reach it. Only protocol-level fields are
// decoded here; transport framing is left to the ControlChannel
// implementation.
package dpcd

import (
	"errors"
	"fmt"
)

// DPCD addresses
const (
	Rev                    uint32 = 0x0000
	MaxLinkRate            uint32 = 0x0001
	MaxLaneCount           uint32 = 0x0002
	MaxDownspread          uint32 = 0x0003
	DownstreamPortPresent  uint32 = 0x0005
	TrainingAuxRdInterval  uint32 = 0x000E
	PSRSupport             uint32 = 0x0070
	DownstreamPortCaps     uint32 = 0x0080
	LinkBWSet              uint32 = 0x0100
	LaneCountSet           uint32 = 0x0101
	TrainingPatternSet     uint32 = 0x0102
	TrainingLane0Set       uint32 = 0x0103
	DownspreadCtrl         uint32 = 0x0107
	TrainingLane01Set2     uint32 = 0x010F
	PSREnCfg               uint32 = 0x0170
	SinkCount              uint32 = 0x0200
	DeviceServiceIRQVector uint32 = 0x0201
	Lane01Status           uint32 = 0x0202
	Lane23Status           uint32 = 0x0203
	LaneAlignStatusUpdated uint32 = 0x0204
	SinkStatus             uint32 = 0x0205
	AdjustRequestLane01    uint32 = 0x0206
	AdjustRequestLane23    uint32 = 0x0207
	AdjustRequestPostCur2  uint32 = 0x020C
	TestRequest            uint32 = 0x0218
	TestLinkRate           uint32 = 0x0219
	TestLaneCount          uint32 = 0x0220
	TestResponse           uint32 = 0x0260
	PSRErrorStatus         uint32 = 0x2006
	PSRStatus              uint32 = 0x2008
	SetPower               uint32 = 0x0600
)

// MaxTransferSize is the largest payload of a single native AUX transaction.
const MaxTransferSize = 16

// capability bits
const (
	MaxLaneCountMask          = 0x1F
	PostLTAdjReqSupported     = 1 << 5
	TPS3Supported             = 1 << 6
	EnhancedFrameCap          = 1 << 7
	MaxDownspread05           = 1 << 0
	DownstreamPresent         = 1 << 0
	DownstreamTypeMask        = 0x06
	DownstreamTypeShift       = 1
	TrainingAuxRdIntervalMask = 0x7F
	PSRSupported              = 0x07
)

// link configuration bits
const (
	LaneCountEnhancedFraming = 1 << 7
	LaneCountPostLTAdjGrant  = 1 << 5
	ScramblingDisable        = 1 << 5
	SpreadAmp05              = 1 << 4
	MaxSwingReachedBit       = 1 << 2
	MaxPreEmphasisReachedBit = 1 << 5
)

// status bits
const (
	LaneCRDone             = 1 << 0
	LaneChannelEqDone      = 1 << 1
	LaneSymbolLocked       = 1 << 2
	InterlaneAlignDone     = 1 << 0
	PostLTAdjReqInProgress = 1 << 1
	DownstreamStatusChange = 1 << 6
	LinkStatusUpdated      = 1 << 7
	SinkCountMask          = 0x3F
)

// device service IRQ vector bits
const (
	AutomatedTestRequest = 1 << 1
	CPIRQ                = 1 << 2
	MCCSIRQ              = 1 << 3
	SinkSpecificIRQ      = 1 << 6
)

// test request/response bits
const (
	TestLinkTraining  = 1 << 0
	TestPattern       = 1 << 1
	TestEDIDRead      = 1 << 2
	TestPhyPattern    = 1 << 3
	TestAck           = 1 << 0
	TestNak           = 1 << 1
	PSRLinkCRCError   = 1 << 0
	PSRRFBStorageErr  = 1 << 1
	PSRStatusMask     = 0x07
	PSRActiveFromRFB  = 0x02
	PSREnable         = 1 << 0
	SetPowerD0        = 0x01
	SetPowerD3        = 0x02
	TrainingPatternMk = 0x03
)

// TrainingPattern ... the pattern driven during training
type TrainingPattern uint8

const (
	// TrainingPatternVideoIdle ... training not in progress
	TrainingPatternVideoIdle TrainingPattern = 0
	TrainingPattern1         TrainingPattern = 1
	TrainingPattern2         TrainingPattern = 2
	TrainingPattern3         TrainingPattern = 3
)

func (p TrainingPattern) String() string {
	switch p {
	case TrainingPatternVideoIdle:
		return "VIDEO_IDLE"
	case TrainingPattern1:
		return "TPS1"
	case TrainingPattern2:
		return "TPS2"
	case TrainingPattern3:
		return "TPS3"
	}
	return fmt.Sprintf("TPS(%d)", uint8(p))
}

// ErrTransport is returned for every failed control-channel transaction.
// Defers, timeouts and malformed replies all fold into it.
var ErrTransport = errors.New("control channel transaction failed")

// ControlChannel ... synchronous AUX access to the sink's DPCD space
type ControlChannel interface {
	Read(address uint32, length int) ([]byte, error)
	Write(address uint32, data []byte) error
}

// ReadByte reads a single DPCD register.
func ReadByte(ch ControlChannel, address uint32) (byte, error) {
	b, err := ch.Read(address, 1)
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("short read at 0x%04x: %w", address, ErrTransport)
	}
	return b[0], nil
}

// WriteByte writes a single DPCD register.
func WriteByte(ch ControlChannel, address uint32, v byte) error {
	return ch.Write(address, []byte{v})
}

// checkLength validates a transaction size against the AUX payload limit.
func checkLength(n int) error {
	if n <= 0 || n > MaxTransferSize {
		return fmt.Errorf("invalid transfer size %d: %w", n, ErrTransport)
	}
	return nil
}
