package dpcd

import (
	"fmt"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// PortType ... downstream facing port type of a branch device
type PortType uint8

const (
	PortTypeNone PortType = iota
	PortTypeDP
	PortTypeVGA
	PortTypeDVI
	PortTypeHDMI
	PortTypeOther
	PortTypeDPPlusPlus
)

func (p PortType) String() string {
	switch p {
	case PortTypeNone:
		return "none"
	case PortTypeDP:
		return "dp"
	case PortTypeVGA:
		return "vga"
	case PortTypeDVI:
		return "dvi"
	case PortTypeHDMI:
		return "hdmi"
	case PortTypeDPPlusPlus:
		return "dp++"
	}
	return "other"
}

// ParsePortType is the inverse of PortType.String.
func ParsePortType(s string) PortType {
	for p := PortTypeNone; p <= PortTypeDPPlusPlus; p++ {
		if p.String() == s {
			return p
		}
	}
	return PortTypeOther
}

const (
	receiverCapsLength   = 16
	detailedCapAvailable = 1 << 4
	detailedPortTypeMask = 0x07
	vgaPixelRateUnitKHz  = 8000
	tmdsClockUnitKHz     = 2500
)

// DownstreamPort ... capabilities of a protocol converter behind the sink
type DownstreamPort struct {
	Present          bool
	Type             PortType
	MaxPixelClockKHz uint64
	MaxBitsPerColor  uint8
}

// ReceiverCaps ... decoded receiver capability field
type ReceiverCaps struct {
	Revision        string
	Max             link.Settings
	TPS3            bool
	PostLTAdjust    bool
	EnhancedFraming bool
	AuxRdInterval   byte
	PSR             bool
	Downstream      DownstreamPort
}

// ReadReceiverCaps reads and decodes the receiver capability field and the
// first downstream port's detailed capabilities.
func ReadReceiverCaps(ch ControlChannel) (ReceiverCaps, error) {
	var caps ReceiverCaps
	b, err := ch.Read(Rev, receiverCapsLength)
	if err != nil {
		return caps, fmt.Errorf("read receiver caps: %w", err)
	}
	if len(b) < receiverCapsLength {
		return caps, fmt.Errorf("receiver caps too short (%d bytes): %w", len(b), ErrTransport)
	}
	caps.Revision = Revision(b[Rev])
	caps.Max = link.Settings{
		LaneCount: link.LaneCount(b[MaxLaneCount] & MaxLaneCountMask),
		LinkRate:  link.LinkRate(b[MaxLinkRate]),
	}
	if b[MaxDownspread]&MaxDownspread05 != 0 {
		caps.Max.Spread = link.SpreadEnabled
	}
	if !caps.Max.LaneCount.Valid() || !caps.Max.LinkRate.Valid() {
		return caps, fmt.Errorf("sink reported invalid max link %d lanes rate 0x%02x: %w",
			b[MaxLaneCount]&MaxLaneCountMask, b[MaxLinkRate], ErrTransport)
	}
	caps.TPS3 = b[MaxLaneCount]&TPS3Supported != 0
	caps.PostLTAdjust = b[MaxLaneCount]&PostLTAdjReqSupported != 0
	caps.EnhancedFraming = b[MaxLaneCount]&EnhancedFrameCap != 0
	caps.AuxRdInterval = b[TrainingAuxRdInterval]

	if psr, err := ReadByte(ch, PSRSupport); err == nil {
		caps.PSR = psr&PSRSupported != 0
	}

	port := b[DownstreamPortPresent]
	if port&DownstreamPresent == 0 {
		return caps, nil
	}
	caps.Downstream.Present = true
	caps.Downstream.Type = legacyPortType((port & DownstreamTypeMask) >> DownstreamTypeShift)
	if port&detailedCapAvailable == 0 {
		return caps, nil
	}
	detail, err := ch.Read(DownstreamPortCaps, 4)
	if err != nil || len(detail) < 4 {
		// converter limits are advisory; keep what was decoded
		return caps, nil
	}
	caps.Downstream = decodeDetailedPort(detail)
	return caps, nil
}

func legacyPortType(v byte) PortType {
	switch v {
	case 0:
		return PortTypeDP
	case 1:
		return PortTypeVGA
	case 2:
		return PortTypeHDMI
	}
	return PortTypeOther
}

func decodeDetailedPort(b []byte) DownstreamPort {
	p := DownstreamPort{Present: true}
	switch b[0] & detailedPortTypeMask {
	case 0:
		p.Type = PortTypeDP
	case 1:
		p.Type = PortTypeVGA
		p.MaxPixelClockKHz = uint64(b[1]) * vgaPixelRateUnitKHz
	case 2:
		p.Type = PortTypeDVI
		p.MaxPixelClockKHz = uint64(b[1]) * tmdsClockUnitKHz
	case 3:
		p.Type = PortTypeHDMI
		p.MaxPixelClockKHz = uint64(b[1]) * tmdsClockUnitKHz
	case 5:
		p.Type = PortTypeDPPlusPlus
		p.MaxPixelClockKHz = uint64(b[1]) * tmdsClockUnitKHz
	default:
		p.Type = PortTypeOther
	}
	if p.Type != PortTypeDP && p.Type != PortTypeOther {
		p.MaxBitsPerColor = [...]uint8{8, 10, 12, 16}[b[2]&0x03]
	}
	return p
}

// EncodeDetailedPort builds the four detailed capability bytes for p.
// Used by simulated branch devices.
func EncodeDetailedPort(p DownstreamPort) []byte {
	b := make([]byte, 4)
	switch p.Type {
	case PortTypeDP:
		b[0] = 0
	case PortTypeVGA:
		b[0] = 1
		b[1] = byte(p.MaxPixelClockKHz / vgaPixelRateUnitKHz)
	case PortTypeDVI:
		b[0] = 2
		b[1] = byte(p.MaxPixelClockKHz / tmdsClockUnitKHz)
	case PortTypeHDMI:
		b[0] = 3
		b[1] = byte(p.MaxPixelClockKHz / tmdsClockUnitKHz)
	case PortTypeDPPlusPlus:
		b[0] = 5
		b[1] = byte(p.MaxPixelClockKHz / tmdsClockUnitKHz)
	default:
		b[0] = 4
	}
	switch p.MaxBitsPerColor {
	case 10:
		b[2] = 1
	case 12:
		b[2] = 2
	case 16:
		b[2] = 3
	}
	return b
}

// EncodeDownstreamPresent builds the DOWNSTREAMPORT_PRESENT byte for p.
func EncodeDownstreamPresent(p DownstreamPort) byte {
	if !p.Present {
		return 0
	}
	v := byte(DownstreamPresent | detailedCapAvailable)
	switch p.Type {
	case PortTypeVGA:
		v |= 1 << DownstreamTypeShift
	case PortTypeDVI, PortTypeHDMI, PortTypeDPPlusPlus:
		v |= 2 << DownstreamTypeShift
	case PortTypeOther:
		v |= 3 << DownstreamTypeShift
	}
	return v
}
