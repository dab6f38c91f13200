// Package negotiate picks the link settings a pixel timing should run at.
package negotiate

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// ErrNotVerified is returned before the link capability has been probed.
var ErrNotVerified = errors.New("link capability not verified")

// Validator ... physical-layer check of a link setting
type Validator interface {
	ValidateLinkSettings(s link.Settings) bool
}

// Decision ... the outcome of Decide
type Decision struct {
	Settings link.Settings
	// Sufficient is false when no entry carries the timing and Settings is
	// the verified capability returned as a best effort.
	Sufficient bool
	// Preferred is set when the operator preferred settings were taken.
	Preferred bool
}

func (d Decision) String() string {
	switch {
	case d.Preferred:
		return fmt.Sprintf("%s (preferred)", d.Settings)
	case !d.Sufficient:
		return fmt.Sprintf("%s (best effort)", d.Settings)
	}
	return d.Settings.String()
}

// Negotiator ...
type Negotiator struct {
	name  string
	store *capability.Store
	hw    Validator
}

// New ...
func New(name string, store *capability.Store, hw Validator) *Negotiator {
	return &Negotiator{name: name, store: store, hw: hw}
}

// Decide returns the lowest catalog entry within the verified capability that
// carries t and passes physical validation. Operator preferred settings win
// when they carry t at no more than the verified rate.
func (n *Negotiator) Decide(t link.Timing) (Decision, error) {
	verified := n.store.Verified()
	if verified.IsUnknown() {
		return Decision{}, ErrNotVerified
	}
	required := link.TimingBandwidth(t)

	if pref := n.store.Preferred(); !pref.IsUnknown() {
		if link.Bandwidth(pref) >= required && pref.LinkRate.Rank() <= verified.LinkRate.Rank() {
			glog.V(2).Infof("%s: using preferred %s for %d kbps", n.name, pref, required)
			return Decision{Settings: pref, Sufficient: true, Preferred: true}, nil
		}
		glog.Infof("%s: preferred %s cannot carry %d kbps within %s, ignoring", n.name, pref, required, verified)
	}

	for _, s := range link.PriorityTable(n.store.Reported(), verified) {
		if link.Bandwidth(s) < required {
			continue
		}
		if !n.hw.ValidateLinkSettings(s) {
			glog.V(2).Infof("%s: %s rejected by the PHY", n.name, s)
			continue
		}
		return Decision{Settings: s, Sufficient: true}, nil
	}

	glog.Warningf("%s: no link setting carries %d kbps, best effort at verified %s (%d kbps)",
		n.name, required, verified, link.Bandwidth(verified))
	return Decision{Settings: verified}, nil
}
