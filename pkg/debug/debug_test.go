package debug_test

import (
	"bytes"
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/debug"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/linkservice"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
	"github.com/stretchr/testify/assert"
)

func statuses() []linkservice.Status {
	hbr2 := link.Settings{LaneCount: 4, LinkRate: link.LinkRateHigh2}
	return []linkservice.Status{
		{Name: "DP-2", Kind: linkservice.KindSST},
		{
			Name:      "DP-1",
			Kind:      linkservice.KindSST,
			Connected: true,
			Stream:    state.Active,
			Timing:    link.Timing{PixelClockKHz: 148500, BitsPerColor: 8},
			Store: capability.Snapshot{
				Name:      "DP-1",
				Reported:  hbr2,
				Verified:  hbr2,
				Max:       hbr2,
				Current:   hbr2,
				Override:  link.Settings{LaneCount: 2, LinkRate: link.LinkRateHigh},
				Converter: capability.ConverterCap{Present: true, PortType: dpcd.PortTypeVGA, MaxPixelClockKHz: 160000},
			},
		},
	}
}

func TestTree(t *testing.T) {
	tree := debug.Tree(statuses())
	expected := `Displays (2)
├── DP-1 (sst, connected) (State:active)
│   ├── Capability (State:bw 17280000 kbps)
│   │   ├── reported (State:4xHBR2)
│   │   ├── verified (State:4xHBR2)
│   │   ├── max (State:4xHBR2)
│   │   └── override (State:2xHBR)
│   ├── Link (State:4xHBR2)
│   │   └── timing (State:148500 kHz 8 bpc)
│   ├── Converter (State:vga max 160000 kHz)
│   └── Features (State:none)
└── DP-2 (sst, disconnected) (State:disabled)
`
	assert.Equal(t, expected, tree)
}

func TestPrintTreeOnlyOnChange(t *testing.T) {
	debug.ClearState()
	buf := &bytes.Buffer{}
	debug.SetOutput(buf)

	assert.True(t, debug.PrintTree(statuses()))
	assert.Contains(t, buf.String(), "DP-1 (sst, connected)")
	assert.False(t, debug.PrintTree(statuses()))

	s := statuses()
	s[1].Stream = state.Retraining
	assert.True(t, debug.PrintTree(s))
	assert.Contains(t, buf.String(), "(State:retraining)")
}
