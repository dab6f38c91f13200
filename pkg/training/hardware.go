package training

import (
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// Hardware is the source-side PHY and stream programming the sequencer drives.
// Register layouts live behind it.
type Hardware interface {
	// SetLaneSettings programs drive levels for the active lanes.
	SetLaneSettings(s link.Settings, lanes []link.LaneSettings) error
	// SetTrainingPattern selects what the transmitter drives.
	SetTrainingPattern(p dpcd.TrainingPattern) error
	// EnableOutput powers the PHY at s.
	EnableOutput(s link.Settings) error
	// DisableOutput powers the PHY down.
	DisableOutput() error
	// ValidateLinkSettings reports whether the PHY can physically run s.
	ValidateLinkSettings(s link.Settings) bool
	// ValidateTiming reports whether the display pipe can scan out t.
	ValidateTiming(t link.Timing) bool
}
