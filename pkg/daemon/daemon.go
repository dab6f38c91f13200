package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	utilwait "k8s.io/apimachinery/pkg/util/wait"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/config"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/debug"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/event"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/features"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/linkservice"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/sim"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
)

// Display ... one configured connector and the service owning its link
type Display struct {
	Config  config.DisplayConfig
	Service *linkservice.Service
	Sim     *sim.Display
}

// Daemon owns every configured display.
type Daemon struct {
	cfg      *config.Config
	notifier *event.StateNotifier
	shared   *state.SharedState
	tracker  *ReadyTracker

	mu       sync.Mutex
	displays map[string]*Display
	// aux devices are only inspected
	inspected map[string]dpcd.ReceiverCaps
}

// New builds the link services for every simulated display in cfg.
func New(cfg *config.Config) (*Daemon, error) {
	dn := &Daemon{
		cfg:       cfg,
		notifier:  event.NewStateNotifier(),
		shared:    state.NewSharedState(),
		displays:  map[string]*Display{},
		inspected: map[string]dpcd.ReceiverCaps{},
	}
	dn.tracker = &ReadyTracker{daemon: dn}
	opts := cfg.ServiceOptions()
	for _, dc := range cfg.Displays {
		if dc.Sink == nil {
			continue
		}
		sc, err := dc.SimConfig()
		if err != nil {
			return nil, fmt.Errorf("display %s: %w", dc.Name, err)
		}
		d := sim.NewDisplay(dc.Name, sc, dc.MaxPixelClockKHz)
		if c := dc.TrainableCeiling(); !c.IsUnknown() {
			d.Sink.SetTrainableCeiling(c)
		}
		svc := linkservice.New(dc.Name, linkservice.Collaborators{
			Channel:    d.Sink,
			Hardware:   d.PHY,
			Interrupts: d.Sink,
			Notifier:   dn.notifier,
			Shared:     dn.shared,
		}, opts)
		dn.displays[dc.Name] = &Display{Config: dc, Service: svc, Sim: d}
	}
	return dn, nil
}

// Notifier ...
func (dn *Daemon) Notifier() *event.StateNotifier {
	return dn.notifier
}

// ReadyTracker ...
func (dn *Daemon) ReadyTracker() *ReadyTracker {
	return dn.tracker
}

// Display ...
func (dn *Daemon) Display(name string) (*Display, bool) {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	d, ok := dn.displays[name]
	return d, ok
}

func (dn *Daemon) sorted() []*Display {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	out := make([]*Display, 0, len(dn.displays))
	for _, d := range dn.displays {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Start connects every display concurrently, applies the configured
// override and preferred settings and enables the configured streams.
// AUX devices are inspected read-only. One failing display does not stop
// the others; the joined errors are returned.
func (dn *Daemon) Start(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, d := range dn.sorted() {
		d := d
		g.Go(func() error {
			if err := dn.startDisplay(ctx, d); err != nil {
				glog.Errorf("%s: %v", d.Config.Name, err)
				fail(err)
			}
			return nil
		})
	}
	for _, dc := range dn.cfg.Displays {
		if dc.AuxDevice == "" {
			continue
		}
		dc := dc
		g.Go(func() error {
			caps, err := InspectAuxDev(dc.AuxDevice)
			if err != nil {
				glog.Errorf("%s: %v", dc.Name, err)
				fail(err)
				return nil
			}
			dn.mu.Lock()
			dn.inspected[dc.Name] = caps
			dn.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	dn.tracker.setConfig(true)
	return errors.Join(errs...)
}

func (dn *Daemon) startDisplay(ctx context.Context, d *Display) error {
	svc := d.Service
	if o := d.Config.OverrideSettings(); !o.IsUnknown() {
		if err := svc.SetOverride(ctx, o); err != nil {
			return err
		}
	}
	svc.SetPreferred(d.Config.PreferredSettings())
	if err := svc.Connect(ctx); err != nil {
		return err
	}
	t, ok := d.Config.LinkTiming()
	if !ok {
		return nil
	}
	decision, err := svc.EnableStream(ctx, t)
	if err != nil {
		return fmt.Errorf("enable stream: %w", err)
	}
	glog.Infof("%s: stream enabled at %s", d.Config.Name, decision.Settings)
	return nil
}

// ApplyOverrides pushes the override file contents to the displays. A
// display missing from o falls back to its configured settings.
func (dn *Daemon) ApplyOverrides(ctx context.Context, o config.Overrides) {
	for _, d := range dn.sorted() {
		override, preferred := o.Settings(d.Config.Name)
		if override.IsUnknown() {
			override = d.Config.OverrideSettings()
		}
		if preferred.IsUnknown() {
			preferred = d.Config.PreferredSettings()
		}
		d.Service.SetPreferred(preferred)
		if override == d.Service.Store().Snapshot().Override {
			continue
		}
		var err error
		if override.IsUnknown() {
			err = d.Service.ClearOverride(ctx)
		} else {
			err = d.Service.SetOverride(ctx, override)
		}
		if err != nil {
			glog.Errorf("%s: apply override %s: %v", d.Config.Name, override, err)
		}
	}
}

// Statuses ...
func (dn *Daemon) Statuses() []linkservice.Status {
	var out []linkservice.Status
	for _, d := range dn.sorted() {
		out = append(out, d.Service.Status())
	}
	return out
}

// Inspected returns the receiver caps read from AUX devices.
func (dn *Daemon) Inspected() map[string]dpcd.ReceiverCaps {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	out := make(map[string]dpcd.ReceiverCaps, len(dn.inspected))
	for k, v := range dn.inspected {
		out[k] = v
	}
	return out
}

// Run logs the link-state tree every interval until ctx is done.
func (dn *Daemon) Run(ctx context.Context, interval time.Duration) {
	utilwait.UntilWithContext(ctx, func(context.Context) {
		debug.PrintTree(dn.Statuses())
	}, interval)
}

// Stop disables and disconnects every display.
func (dn *Daemon) Stop(ctx context.Context) {
	dn.tracker.setConfig(false)
	for _, d := range dn.sorted() {
		if d.Service.State() == state.Active || d.Service.State() == state.PowerSave {
			if err := d.Service.DisableStream(ctx); err != nil {
				glog.Warningf("%s: disable stream: %v", d.Config.Name, err)
			}
		}
		if err := d.Service.Disconnect(ctx); err != nil {
			glog.Warningf("%s: disconnect: %v", d.Config.Name, err)
		}
	}
}

// InspectAuxDev reads and logs the receiver capabilities behind an AUX
// character device without touching link configuration.
func InspectAuxDev(path string) (dpcd.ReceiverCaps, error) {
	aux, err := dpcd.OpenAuxDevReadOnly(path)
	if err != nil {
		return dpcd.ReceiverCaps{}, err
	}
	defer aux.Close()
	caps, err := dpcd.ReadReceiverCaps(aux)
	if err != nil {
		return caps, fmt.Errorf("%s: %w", path, err)
	}
	glog.Infof("%s: DPCD %s, max %s, downstream %s", aux.Name(), caps.Revision, caps.Max, caps.Downstream.Type)
	features.FromReceiverCaps(caps, features.All()).Print(aux.Name())
	return caps, nil
}
