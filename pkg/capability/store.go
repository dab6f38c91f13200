// Package capability keeps what is known about one link's capability: what
// the sink reported, what an operator capped it at, what training verified
// and what the link is running at right now.
package capability

import (
	"sync"

	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/features"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// ConverterCap ... limits of a protocol converter behind the sink. It only
// ever rejects timings; it never changes link settings.
type ConverterCap struct {
	Present          bool
	PortType         dpcd.PortType
	MaxPixelClockKHz uint64
	MaxBitsPerColor  uint8
}

// Store ... per-link capability slots
type Store struct {
	mu         sync.RWMutex
	name       string
	reported   link.Settings
	override   link.Settings
	verified   link.Settings
	max        link.Settings
	current    link.Settings
	preferred  link.Settings
	converter  ConverterCap
	features   features.Features
	auxRdInter byte
}

// NewStore returns an empty store for the named link.
func NewStore(name string) *Store {
	return &Store{name: name}
}

// Name ...
func (s *Store) Name() string {
	return s.name
}

// Reported ...
func (s *Store) Reported() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reported
}

// SetReported records the sink's advertised maximum. A verified value that no
// longer fits is dropped.
func (s *Store) SetReported(r link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported = r
	if !s.verified.IsUnknown() && !s.verified.Within(s.probeCeiling()) {
		glog.Infof("%s: verified %s exceeds new reported %s, invalidating", s.name, s.verified, r)
		s.verified = link.Unknown
	}
	s.updateMax()
}

// Override ...
func (s *Store) Override() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.override
}

// SetOverride caps the probe ceiling. The verified value is dropped since it
// may have been established above the new cap.
func (s *Store) SetOverride(o link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = o
	s.verified = link.Unknown
	s.updateMax()
}

// ClearOverride ...
func (s *Store) ClearOverride() {
	s.SetOverride(link.Unknown)
}

// Preferred ...
func (s *Store) Preferred() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferred
}

// SetPreferred records settings to try first when deciding a timing.
func (s *Store) SetPreferred(p link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferred = p
}

// Verified ...
func (s *Store) Verified() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified
}

// SetVerified records the highest settings confirmed by training.
func (s *Store) SetVerified(v link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = v
	s.updateMax()
}

// InvalidateVerified forgets the verified value so the next probe runs.
func (s *Store) InvalidateVerified() {
	s.SetVerified(link.Unknown)
}

// Max ... the best settings currently believed usable
func (s *Store) Max() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

// Current ...
func (s *Store) Current() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetCurrent ...
func (s *Store) SetCurrent(c link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = c
}

// ClearCurrent ...
func (s *Store) ClearCurrent() {
	s.SetCurrent(link.Unknown)
}

// Converter ...
func (s *Store) Converter() ConverterCap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.converter
}

// SetConverter ...
func (s *Store) SetConverter(c ConverterCap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.converter = c
}

// Features ...
func (s *Store) Features() features.Features {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features
}

// AuxRdInterval returns the raw TRAINING_AUX_RD_INTERVAL register.
func (s *Store) AuxRdInterval() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auxRdInter
}

// Load fills the sink-derived slots from a receiver capability read.
func (s *Store) Load(caps dpcd.ReceiverCaps, source features.Features) {
	f := features.FromReceiverCaps(caps, source)
	reported := caps.Max
	if reported.LinkRate == link.LinkRateHigh3 {
		// HBR3 is not in the catalog; train no faster than HBR2
		reported.LinkRate = link.LinkRateHigh2
	}
	if !f.Framing.Downspread {
		reported.Spread = link.SpreadDisabled
	}
	conv := ConverterCap{
		Present:          caps.Downstream.Present,
		PortType:         caps.Downstream.Type,
		MaxPixelClockKHz: caps.Downstream.MaxPixelClockKHz,
		MaxBitsPerColor:  caps.Downstream.MaxBitsPerColor,
	}
	s.mu.Lock()
	s.features = f
	s.auxRdInter = caps.AuxRdInterval
	s.converter = conv
	s.mu.Unlock()
	s.SetReported(reported)
	glog.Infof("%s: DPCD %s reported %s converter %t/%s", s.name, caps.Revision, reported, conv.Present, conv.PortType)
}

// ProbeCeiling ... overridden ∩ reported, or reported alone
func (s *Store) ProbeCeiling() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.probeCeiling()
}

func (s *Store) probeCeiling() link.Settings {
	if s.override.IsUnknown() {
		return s.reported
	}
	return link.Intersect(s.override, s.reported)
}

// EffectiveCap returns verified once known, otherwise the probe ceiling.
// It is unknown until the sink reported its capability.
func (s *Store) EffectiveCap() link.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.verified.IsUnknown() {
		return s.verified
	}
	return s.probeCeiling()
}

func (s *Store) updateMax() {
	if !s.verified.IsUnknown() {
		s.max = s.verified
		return
	}
	s.max = s.probeCeiling()
}

// Reset clears every sink-derived slot, as on disconnect. Operator override
// and preferred settings survive.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported = link.Unknown
	s.verified = link.Unknown
	s.max = link.Unknown
	s.current = link.Unknown
	s.converter = ConverterCap{}
	s.features = features.Features{}
	s.auxRdInter = 0
}

// Snapshot ... copy of every slot for reporting
type Snapshot struct {
	Name      string
	Reported  link.Settings
	Override  link.Settings
	Verified  link.Settings
	Max       link.Settings
	Current   link.Settings
	Preferred link.Settings
	Converter ConverterCap
	Features  features.Features
}

// Snapshot ...
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Name:      s.name,
		Reported:  s.reported,
		Override:  s.override,
		Verified:  s.verified,
		Max:       s.max,
		Current:   s.current,
		Preferred: s.preferred,
		Converter: s.converter,
		Features:  s.features,
	}
}
