// Package probe establishes the verified capability of a link by walking the
// fallback table from the fastest entry down until one trains.
package probe

import (
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/jpillora/backoff"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/metrics"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/training"
)

const (
	// TransientAttempts is how often a candidate is tried before its failure
	// is taken as real.
	TransientAttempts = 3
	// RetryDelayMin ...
	RetryDelayMin = 5 * time.Millisecond
	// RetryDelayMax ...
	RetryDelayMax = 50 * time.Millisecond
	// RetryFactor ...
	RetryFactor = 2
)

// ErrUnknownCapability is returned when the sink has not reported its
// capability yet.
var ErrUnknownCapability = errors.New("sink capability unknown")

// Trainer makes a single training attempt; *training.Sequencer in production.
type Trainer interface {
	Train(target link.Settings, skipVideoPattern bool) training.Result
}

// Options ...
type Options struct {
	TransientAttempts int
	RetryDelayMin     time.Duration
	RetryDelayMax     time.Duration
	RetryFactor       float64
}

func DefaultOptions() Options {
	return Options{
		TransientAttempts: TransientAttempts,
		RetryDelayMin:     RetryDelayMin,
		RetryDelayMax:     RetryDelayMax,
		RetryFactor:       RetryFactor,
	}
}

// Prober walks the fallback table and records the first entry that trains
// as the verified capability.
type Prober struct {
	name  string
	store *capability.Store
	seq   Trainer
	hw    training.Hardware
	opts  Options
}

// New ...
func New(name string, store *capability.Store, seq Trainer, hw training.Hardware, opts Options) *Prober {
	d := DefaultOptions()
	if opts.TransientAttempts <= 0 {
		opts.TransientAttempts = d.TransientAttempts
	}
	if opts.RetryDelayMin <= 0 {
		opts.RetryDelayMin = d.RetryDelayMin
	}
	if opts.RetryDelayMax < opts.RetryDelayMin {
		opts.RetryDelayMax = opts.RetryDelayMin * 10
	}
	if opts.RetryFactor < 1 {
		opts.RetryFactor = d.RetryFactor
	}
	return &Prober{name: name, store: store, seq: seq, hw: hw, opts: opts}
}

// Probe returns the verified capability, establishing it first when unknown.
// Repeated calls return the cached value until it is invalidated. The output
// is always left disabled when training ran.
func (p *Prober) Probe(preferredUpperBound link.Settings) (link.Settings, error) {
	if v := p.store.Verified(); !v.IsUnknown() {
		return v, nil
	}
	reported := p.store.Reported()
	if reported.IsUnknown() {
		return link.Unknown, ErrUnknownCapability
	}
	ceiling := p.store.ProbeCeiling()
	if !preferredUpperBound.IsUnknown() {
		ceiling = link.Intersect(ceiling, preferredUpperBound)
	}
	defer func() {
		if err := p.hw.DisableOutput(); err != nil {
			glog.Errorf("%s: disable output after probe: %s", p.name, err)
		}
	}()

	table := link.FallbackTable(reported, ceiling)
	glog.Infof("%s: probing %d candidates under %s", p.name, len(table), ceiling)
	var failed []link.Settings
	for i, cand := range table {
		if !p.hw.ValidateLinkSettings(cand) {
			glog.Infof("%s: %s rejected by the PHY, skipping", p.name, cand)
			continue
		}
		if notBelow(cand, failed) {
			glog.V(2).Infof("%s: %s not below a failed setting, skipping", p.name, cand)
			continue
		}
		// intermediate candidates are dropped anyway; only the last one idles
		skipVideoPattern := i != len(table)-1
		if p.try(cand, skipVideoPattern) {
			p.verified(cand)
			return cand, nil
		}
		failed = append(failed, cand)
	}

	glog.Warningf("%s: nothing trained under %s, falling back to %s", p.name, ceiling, link.FailSafe)
	p.verified(link.FailSafe)
	return link.FailSafe, nil
}

// Reprobe drops the verified value and probes again.
func (p *Prober) Reprobe(preferredUpperBound link.Settings) (link.Settings, error) {
	p.store.InvalidateVerified()
	return p.Probe(preferredUpperBound)
}

func (p *Prober) verified(s link.Settings) {
	glog.Infof("%s: verified capability %s", p.name, s)
	p.store.SetVerified(s)
	metrics.UpdateVerifiedMetrics(p.name, s)
}

// try trains cand up to TransientAttempts times with growing delays.
func (p *Prober) try(cand link.Settings, skipVideoPattern bool) bool {
	b := &backoff.Backoff{
		Min:    p.opts.RetryDelayMin,
		Max:    p.opts.RetryDelayMax,
		Factor: p.opts.RetryFactor,
		Jitter: false,
	}
	for attempt := 0; attempt < p.opts.TransientAttempts; attempt++ {
		if attempt > 0 {
			d := b.Duration()
			glog.V(2).Infof("%s: retrying %s in %s", p.name, cand, d)
			time.Sleep(d)
		}
		if err := p.hw.DisableOutput(); err != nil {
			glog.Errorf("%s: disable output: %s", p.name, err)
		}
		res := p.seq.Train(cand, skipVideoPattern)
		if res.Success() {
			return true
		}
		if res == training.ResultInvalidSettings {
			return false
		}
	}
	return false
}

// notBelow reports whether cand is at or above a failed point in both lane
// count and rate.
func notBelow(cand link.Settings, failed []link.Settings) bool {
	for _, f := range failed {
		if cand.LaneCount >= f.LaneCount && cand.LinkRate.Rank() >= f.LinkRate.Rank() {
			return true
		}
	}
	return false
}
