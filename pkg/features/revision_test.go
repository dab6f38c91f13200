package features_test

import (
	"testing"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/features"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/stretchr/testify/assert"
)

func TestFromReceiverCaps(t *testing.T) {
	allCaps := dpcd.ReceiverCaps{
		Max:             link.Settings{LaneCount: 4, LinkRate: link.LinkRateHigh2, Spread: link.SpreadEnabled},
		TPS3:            true,
		PostLTAdjust:    true,
		EnhancedFraming: true,
		PSR:             true,
		AuxRdInterval:   0x80,
	}
	cases := []struct {
		revision      string
		expectedFlags features.Features
	}{
		{
			"1.0",
			features.Features{},
		},
		{
			"1.1",
			features.Features{
				Framing: features.FramingFeatures{Enhanced: true, Downspread: true},
			},
		},
		{
			"1.2",
			features.Features{
				Training: features.TrainingFeatures{TPS3: true, PostCursor2: true},
				Framing:  features.FramingFeatures{Enhanced: true, Downspread: true},
				PSR:      true,
			},
		},
		{
			"1.4",
			features.All(),
		},
		{
			"garbage",
			features.Features{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.revision, func(t *testing.T) {
			caps := allCaps
			caps.Revision = tc.revision
			assert.Equal(t, tc.expectedFlags, features.FromReceiverCaps(caps, features.All()))
		})
	}
}

func TestFromReceiverCapsSinkBitsWin(t *testing.T) {
	caps := dpcd.ReceiverCaps{
		Revision: "1.4",
		Max:      link.Settings{LaneCount: 2, LinkRate: link.LinkRateHigh},
	}
	f := features.FromReceiverCaps(caps, features.All())
	assert.False(t, f.Training.TPS3)
	assert.False(t, f.Training.PostLTAdjust)
	assert.True(t, f.Training.PostCursor2)
	assert.False(t, f.Framing.Downspread)
	f.Print("DP-1")
}

func TestSourceMask(t *testing.T) {
	caps := dpcd.ReceiverCaps{Revision: "1.4", TPS3: true, PostLTAdjust: true}
	mask := features.All()
	mask.Training.PostLTAdjust = false
	f := features.FromReceiverCaps(caps, mask)
	assert.True(t, f.Training.TPS3)
	assert.False(t, f.Training.PostLTAdjust)
}

func TestFeaturesString(t *testing.T) {
	assert.Equal(t, "none", features.Features{}.String())
	f := features.Features{PSR: true}
	f.Training.TPS3 = true
	assert.Equal(t, "tps3,psr", f.String())
}
