package sim

import (
	"errors"
	"sync"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// ErrPHY is returned when the simulated PHY is told to fail.
var ErrPHY = errors.New("simulated phy failure")

// PHY ... simulated source transmitter and display pipe
type PHY struct {
	mu               sync.Mutex
	rejected         map[link.Settings]bool
	maxPixelClockKHz uint64
	failEnable       bool

	enabled  bool
	settings link.Settings
	lanes    []link.LaneSettings
	pattern  dpcd.TrainingPattern

	enables  []link.Settings
	disables int
	patterns []dpcd.TrainingPattern
}

// NewPHY returns a PHY that accepts every link setting and any pixel clock
// up to maxPixelClockKHz (unlimited when 0).
func NewPHY(maxPixelClockKHz uint64) *PHY {
	return &PHY{
		rejected:         map[link.Settings]bool{},
		maxPixelClockKHz: maxPixelClockKHz,
	}
}

func key(s link.Settings) link.Settings {
	return link.Settings{LaneCount: s.LaneCount, LinkRate: s.LinkRate}
}

// Reject makes ValidateLinkSettings fail for s.
func (p *PHY) Reject(s link.Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected[key(s)] = true
}

// SetFailEnable ...
func (p *PHY) SetFailEnable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failEnable = v
}

// SetLaneSettings ...
func (p *PHY) SetLaneSettings(s link.Settings, lanes []link.LaneSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s
	p.lanes = append([]link.LaneSettings(nil), lanes...)
	return nil
}

// SetTrainingPattern ...
func (p *PHY) SetTrainingPattern(tp dpcd.TrainingPattern) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pattern = tp
	p.patterns = append(p.patterns, tp)
	return nil
}

// EnableOutput ...
func (p *PHY) EnableOutput(s link.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failEnable {
		return ErrPHY
	}
	p.enabled = true
	p.settings = s
	p.enables = append(p.enables, s)
	return nil
}

// DisableOutput ...
func (p *PHY) DisableOutput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.disables++
	return nil
}

// ValidateLinkSettings ...
func (p *PHY) ValidateLinkSettings(s link.Settings) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.rejected[key(s)]
}

// ValidateTiming ...
func (p *PHY) ValidateTiming(t link.Timing) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPixelClockKHz == 0 || t.PixelClockKHz <= p.maxPixelClockKHz
}

// Enabled ...
func (p *PHY) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Pattern returns what the transmitter currently drives.
func (p *PHY) Pattern() dpcd.TrainingPattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pattern
}

// Lanes returns the last programmed drive settings.
func (p *PHY) Lanes() []link.LaneSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]link.LaneSettings(nil), p.lanes...)
}

// Enables returns every EnableOutput call, in order.
func (p *PHY) Enables() []link.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]link.Settings(nil), p.enables...)
}

// Disables ...
func (p *PHY) Disables() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disables
}

// Patterns returns every pattern selected, in order.
func (p *PHY) Patterns() []dpcd.TrainingPattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dpcd.TrainingPattern(nil), p.patterns...)
}

// Display bundles a sink with the PHY driving it.
type Display struct {
	Name string
	Sink *Sink
	PHY  *PHY
}

// NewDisplay ...
func NewDisplay(name string, cfg SinkConfig, maxPixelClockKHz uint64) *Display {
	return &Display{
		Name: name,
		Sink: NewSink(cfg),
		PHY:  NewPHY(maxPixelClockKHz),
	}
}
