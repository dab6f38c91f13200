// Package linkservice owns one DisplayPort SST link. It ties the capability
// store, the training sequencer, the prober, the negotiator and the interrupt
// monitor together and serializes every operation on the link.
package linkservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"
	utilwait "k8s.io/apimachinery/pkg/util/wait"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/event"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/features"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/metrics"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/monitor"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/negotiate"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/probe"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/training"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/utils"
)

var (
	// ErrNotConnected is returned by link operations before Connect.
	ErrNotConnected = errors.New("display not connected")
	// ErrInsufficientBandwidth is returned when no verified link setting
	// carries the timing.
	ErrInsufficientBandwidth = errors.New("insufficient link bandwidth")
	// ErrModeNotSupported ...
	ErrModeNotSupported = errors.New("mode not supported")
	// ErrTrainingFailed ...
	ErrTrainingFailed = errors.New("link training failed")
	// ErrInvalidState is returned when the stream is not in the state an
	// operation needs.
	ErrInvalidState = errors.New("invalid stream state")
	// ErrLinkBusy is returned when establishing the capability would disturb
	// a running stream.
	ErrLinkBusy = errors.New("link in use")
	// ErrNotSupported ...
	ErrNotSupported = errors.New("not supported by sink")
	// ErrIllegalState is returned for interrupts that arrive while the link
	// is powered down.
	ErrIllegalState = errors.New("interrupt in illegal state")

	errDeferred = errors.New("interrupt deferred")
)

// Kind ... link topology
type Kind int

const (
	// KindSST ... single stream
	KindSST Kind = iota
)

func (k Kind) String() string {
	if k == KindSST {
		return "sst"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const (
	// DefaultFlapThreshold is how many retrains inside DefaultFlapInterval make
	// a link flapping.
	DefaultFlapThreshold = 3
	// DefaultFlapInterval ...
	DefaultFlapInterval = 10 * time.Second
	// DefaultQueueSize ...
	DefaultQueueSize = 8
)

// Collaborators ... what the service drives
type Collaborators struct {
	Channel  dpcd.ControlChannel
	Hardware training.Hardware
	// Interrupts may be nil; ServiceInterrupt is then called by the owner.
	Interrupts monitor.InterruptSource
	Notifier   event.Notifier
	Shared     *state.SharedState
}

// Options tunes the collaborators and the retrain policy. Zero values take
// the package defaults.
type Options struct {
	Training training.Options
	Probe    probe.Options
	Monitor  monitor.Options
	// SourceFeatures limits what the source side supports; all when nil.
	SourceFeatures *features.Features
	// AutoRetrain lets the worker retrain when the monitor reports a
	// regressed link.
	AutoRetrain   bool
	FlapThreshold int
	FlapInterval  time.Duration
	QueueSize     int
}

type requestKind int

const (
	reqInterrupt requestKind = iota
	reqRetrain
	reqTest
)

func (k requestKind) String() string {
	switch k {
	case reqInterrupt:
		return "interrupt"
	case reqRetrain:
		return "retrain"
	case reqTest:
		return "test"
	}
	return "unknown"
}

type request struct {
	kind   requestKind
	target link.Settings
}

// Service is safe for concurrent use. Interrupts arriving while an operation
// holds the link are queued for the worker.
type Service struct {
	name   string
	col    Collaborators
	opts   Options
	source features.Features

	// sem serializes every operation on the link
	sem     *semaphore.Weighted
	store   *capability.Store
	seq     *training.Sequencer
	prober  *probe.Prober
	neg     *negotiate.Negotiator
	mon     *monitor.Monitor
	history *utils.RetrainHistory
	sub     monitor.Subscription
	wg      sync.WaitGroup

	mu        sync.Mutex
	connected bool
	timing    link.Timing
	cancel    context.CancelFunc
	work      chan request
}

// New returns a disconnected service.
func New(name string, col Collaborators, opts Options) *Service {
	if opts.FlapThreshold <= 0 {
		opts.FlapThreshold = DefaultFlapThreshold
	}
	if opts.FlapInterval <= 0 {
		opts.FlapInterval = DefaultFlapInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if col.Shared == nil {
		col.Shared = state.NewSharedState()
	}
	source := features.All()
	if opts.SourceFeatures != nil {
		source = *opts.SourceFeatures
	}
	store := capability.NewStore(name)
	seq := training.New(name, col.Channel, col.Hardware, store, opts.Training)
	return &Service{
		name:    name,
		col:     col,
		opts:    opts,
		source:  source,
		sem:     semaphore.NewWeighted(1),
		store:   store,
		seq:     seq,
		prober:  probe.New(name, store, seq, col.Hardware, opts.Probe),
		neg:     negotiate.New(name, store, col.Hardware),
		mon:     monitor.New(name, col.Channel, store, col.Shared, col.Notifier, opts.Monitor),
		history: utils.NewRetrainHistory(opts.FlapThreshold, opts.FlapInterval),
	}
}

// Name ...
func (s *Service) Name() string {
	return s.name
}

func (s *Service) Kind() Kind {
	return KindSST
}

// Store exposes the capability store for inspection.
func (s *Service) Store() *capability.Store {
	return s.store
}

// State returns the stream state of the link.
func (s *Service) State() state.StreamState {
	return s.col.Shared.GetStream(s.name)
}

// Connected ...
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Timing returns the timing of the running stream.
func (s *Service) Timing() link.Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}

// VerifiedCapability is unknown until the first probe.
func (s *Service) VerifiedCapability() link.Settings {
	return s.store.Verified()
}

func (s *Service) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: waiting for link: %w", s.name, err)
	}
	return nil
}

func (s *Service) release() {
	s.sem.Release(1)
}

// lock acquires the link and fails when it is not connected.
func (s *Service) lock(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	if !s.Connected() {
		s.release()
		return fmt.Errorf("%s: %w", s.name, ErrNotConnected)
	}
	return nil
}

// Connect reads the receiver capabilities, starts the deferred worker and
// subscribes to interrupts. Connecting a connected link is a no-op.
func (s *Service) Connect(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if s.Connected() {
		return nil
	}

	caps, err := dpcd.ReadReceiverCaps(s.col.Channel)
	if err != nil {
		return fmt.Errorf("%s: read receiver caps: %w", s.name, err)
	}
	s.store.Load(caps, s.source)
	if err := s.mon.Prime(); err != nil {
		s.store.Reset()
		return fmt.Errorf("%s: %w", s.name, err)
	}
	glog.Infof("%s: connected, DPCD %s, reported %s", s.name, caps.Revision, s.store.Reported())
	s.store.Features().Print(s.name)

	s.history.Reset()
	wctx, cancel := context.WithCancel(context.Background())
	work := make(chan request, s.opts.QueueSize)
	s.mu.Lock()
	s.connected = true
	s.cancel = cancel
	s.work = work
	s.timing = link.Timing{}
	s.mu.Unlock()
	s.setState(state.Disabled)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		utilwait.UntilWithContext(wctx, func(ctx context.Context) {
			s.processNext(ctx, work)
		}, 0)
	}()

	if s.col.Interrupts != nil {
		s.sub = s.col.Interrupts.Subscribe(s.onInterrupt)
	}
	return nil
}

// Disconnect stops interrupt handling and the worker, disables the output and
// forgets everything learned from the sink.
func (s *Service) Disconnect(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if !s.Connected() {
		return nil
	}
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.connected = false
	s.cancel = nil
	s.work = nil
	s.timing = link.Timing{}
	s.mu.Unlock()
	// the worker only blocks on the link with its own context
	cancel()
	s.wg.Wait()

	if err := s.col.Hardware.DisableOutput(); err != nil {
		glog.Errorf("%s: disable output: %s", s.name, err)
	}
	s.store.Reset()
	s.col.Shared.DeleteStream(s.name)
	metrics.DeleteMetrics(s.name)
	glog.Infof("%s: disconnected", s.name)
	return nil
}

// Probe returns the verified capability, establishing it when unknown.
func (s *Service) Probe(ctx context.Context) (link.Settings, error) {
	if err := s.lock(ctx); err != nil {
		return link.Unknown, err
	}
	defer s.release()
	if err := s.ensureVerified(); err != nil {
		return link.Unknown, err
	}
	return s.store.Verified(), nil
}

// Negotiate returns the link settings t would run at.
func (s *Service) Negotiate(ctx context.Context, t link.Timing) (negotiate.Decision, error) {
	if err := s.lock(ctx); err != nil {
		return negotiate.Decision{}, err
	}
	defer s.release()
	if err := s.ensureVerified(); err != nil {
		return negotiate.Decision{}, err
	}
	return s.neg.Decide(t)
}

// ValidateMode reports whether t can be driven: the display pipe and any
// downstream converter must accept it and the verified link must carry it.
func (s *Service) ValidateMode(ctx context.Context, t link.Timing) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	_, err := s.validateMode(t)
	return err
}

func (s *Service) validateMode(t link.Timing) (negotiate.Decision, error) {
	if !s.col.Hardware.ValidateTiming(t) {
		return negotiate.Decision{}, fmt.Errorf("%s: %+v rejected by the display pipe: %w", s.name, t, ErrModeNotSupported)
	}
	if conv := s.store.Converter(); conv.Present {
		if conv.MaxPixelClockKHz > 0 && t.PixelClockKHz > conv.MaxPixelClockKHz {
			return negotiate.Decision{}, fmt.Errorf("%s: pixel clock %d kHz above %s converter limit %d kHz: %w",
				s.name, t.PixelClockKHz, conv.PortType, conv.MaxPixelClockKHz, ErrModeNotSupported)
		}
		if conv.MaxBitsPerColor > 0 && t.BitsPerColor > conv.MaxBitsPerColor {
			return negotiate.Decision{}, fmt.Errorf("%s: %d bpc above %s converter limit %d: %w",
				s.name, t.BitsPerColor, conv.PortType, conv.MaxBitsPerColor, ErrModeNotSupported)
		}
	}
	if err := s.ensureVerified(); err != nil {
		return negotiate.Decision{}, err
	}
	d, err := s.neg.Decide(t)
	if err != nil {
		return d, err
	}
	if !d.Sufficient {
		return d, fmt.Errorf("%s: %d kbps needed, verified %s carries %d kbps: %w",
			s.name, link.TimingBandwidth(t), s.store.Verified(), link.Bandwidth(s.store.Verified()), ErrInsufficientBandwidth)
	}
	return d, nil
}

// ensureVerified probes when the capability is unknown. Probing disables the
// output, so it is refused while a stream is up.
func (s *Service) ensureVerified() error {
	if !s.store.Verified().IsUnknown() {
		return nil
	}
	if st := s.State(); st != state.Disabled {
		return fmt.Errorf("%s: capability unknown with stream %s: %w", s.name, st, ErrLinkBusy)
	}
	if _, err := s.prober.Probe(link.Unknown); err != nil {
		return fmt.Errorf("%s: probe: %w", s.name, err)
	}
	// probing leaves the output disabled
	s.clearCurrent()
	return nil
}

// Train makes one training attempt at settings. A trained link becomes the
// current link; a failure under a running stream drops the stream.
func (s *Service) Train(ctx context.Context, settings link.Settings) (training.Result, error) {
	if err := s.lock(ctx); err != nil {
		return training.ResultTransportError, err
	}
	defer s.release()
	res := s.seq.Train(settings, false)
	if res.Success() {
		s.setCurrent(settings)
		return res, nil
	}
	if s.State() == state.Active {
		return res, s.linkFailed(fmt.Errorf("%w at %s: %s", ErrTrainingFailed, settings, res))
	}
	s.clearCurrent()
	return res, nil
}

// EnableStream negotiates, trains and brings up a stream for t. Nothing is
// trained when the bandwidth check fails.
func (s *Service) EnableStream(ctx context.Context, t link.Timing) (negotiate.Decision, error) {
	if err := s.lock(ctx); err != nil {
		return negotiate.Decision{}, err
	}
	defer s.release()
	if st := s.State(); st != state.Disabled {
		return negotiate.Decision{}, fmt.Errorf("%s: enable with stream %s: %w", s.name, st, ErrInvalidState)
	}
	d, err := s.validateMode(t)
	if err != nil {
		return d, err
	}

	s.setState(state.Enabling)
	res := s.seq.Train(d.Settings, false)
	if !res.Success() {
		// the verified value lied; learn the truth and try once more
		glog.Warningf("%s: enable at %s failed: %s, reprobing", s.name, d, res)
		d, res, err = s.reprobeAndTrain(t)
		if err != nil || !res.Success() {
			s.abortEnable()
			if err == nil {
				err = fmt.Errorf("%s: %w at %s: %s", s.name, ErrTrainingFailed, d.Settings, res)
			}
			s.notify(event.LinkFailed, d.Settings, err.Error())
			return d, err
		}
	}

	s.setCurrent(d.Settings)
	s.mu.Lock()
	s.timing = t
	s.mu.Unlock()
	s.history.Reset()
	s.setState(state.Active)
	glog.Infof("%s: stream enabled at %s", s.name, d)
	return d, nil
}

func (s *Service) abortEnable() {
	if err := s.col.Hardware.DisableOutput(); err != nil {
		glog.Errorf("%s: disable output: %s", s.name, err)
	}
	s.clearCurrent()
	s.setState(state.Disabled)
}

// reprobeAndTrain re-establishes the verified capability and trains at the
// settings decided for t.
func (s *Service) reprobeAndTrain(t link.Timing) (negotiate.Decision, training.Result, error) {
	prev := s.store.Verified()
	v, err := s.prober.Reprobe(link.Unknown)
	if err != nil {
		return negotiate.Decision{}, training.ResultInvalidSettings, fmt.Errorf("%s: reprobe: %w", s.name, err)
	}
	if !prev.IsUnknown() && link.Bandwidth(v) < link.Bandwidth(prev) {
		glog.Warningf("%s: verified capability dropped from %s to %s", s.name, prev, v)
		s.notify(event.SinkCapabilityReduced, v, fmt.Sprintf("verified %s, was %s", v, prev))
	}
	d, err := s.neg.Decide(t)
	if err != nil {
		return d, training.ResultInvalidSettings, err
	}
	if !d.Sufficient {
		return d, training.ResultInvalidSettings, fmt.Errorf("%s: %d kbps needed, verified %s: %w",
			s.name, link.TimingBandwidth(t), v, ErrInsufficientBandwidth)
	}
	return d, s.seq.Train(d.Settings, false), nil
}

// DisableStream turns the output off and forgets the current settings. PSR
// is left off.
func (s *Service) DisableStream(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	if s.State() == state.Disabled {
		return nil
	}
	s.setState(state.Disabling)
	if err := s.col.Hardware.DisableOutput(); err != nil {
		glog.Errorf("%s: disable output: %s", s.name, err)
	}
	if s.col.Shared.IsPSRActive(s.name) {
		if err := s.setPSR(false); err != nil {
			glog.Warningf("%s: %s", s.name, err)
		}
	}
	s.clearCurrent()
	s.mu.Lock()
	s.timing = link.Timing{}
	s.mu.Unlock()
	s.setState(state.Disabled)
	glog.Infof("%s: stream disabled", s.name)
	return nil
}

// Retrain restores a regressed link under a running stream. The current
// settings are retried first; when that fails, or the link is flapping, the
// capability is probed again and the stream renegotiated.
func (s *Service) Retrain(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.retrain(false)
}

func (s *Service) retrain(forceFull bool) error {
	if st := s.State(); st != state.Active {
		return fmt.Errorf("%s: retrain with stream %s: %w", s.name, st, ErrInvalidState)
	}
	s.setState(state.Retraining)
	flapping := s.history.Record()
	metrics.UpdateRetrainIntervalMetrics(s.name, s.history.MeanInterval())
	if flapping {
		glog.Warningf("%s: %d retrains within %s (mean gap %s, stddev %s), reprobing", s.name,
			s.history.Count(), s.history.Span(), s.history.MeanInterval(), s.history.IntervalStdDev())
		metrics.CountRetrain(s.name, "flap")
		forceFull = true
	}
	return s.restore(forceFull)
}

// restore runs with the stream in Retraining.
func (s *Service) restore(forceFull bool) error {
	cur := s.store.Current()
	if !forceFull && !cur.IsUnknown() {
		metrics.CountRetrain(s.name, "cheap")
		if s.seq.Train(cur, false).Success() {
			s.setCurrent(cur)
			s.setState(state.Active)
			return nil
		}
		glog.Warningf("%s: retrain at %s failed, reprobing", s.name, cur)
	}

	metrics.CountRetrain(s.name, "reprobe")
	d, res, err := s.reprobeAndTrain(s.Timing())
	if err != nil {
		return s.linkFailed(err)
	}
	if !res.Success() {
		return s.linkFailed(fmt.Errorf("%s: %w at %s: %s", s.name, ErrTrainingFailed, d.Settings, res))
	}
	s.setCurrent(d.Settings)
	s.history.Reset()
	s.setState(state.Active)
	glog.Infof("%s: stream restored at %s", s.name, d)
	return nil
}

// linkFailed drops the stream and reports the link unusable.
func (s *Service) linkFailed(err error) error {
	glog.Errorf("%s: link failed: %s", s.name, err)
	if herr := s.col.Hardware.DisableOutput(); herr != nil {
		glog.Errorf("%s: disable output: %s", s.name, herr)
	}
	s.clearCurrent()
	s.mu.Lock()
	s.timing = link.Timing{}
	s.mu.Unlock()
	s.setState(state.Disabled)
	s.notify(event.LinkFailed, link.Unknown, err.Error())
	return err
}

// SetOverride caps the link at o. A running stream is moved onto a link
// probed under the new cap.
func (s *Service) SetOverride(ctx context.Context, o link.Settings) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.store.SetOverride(o)
	glog.Infof("%s: override %s", s.name, o)
	if !s.Connected() || s.State() != state.Active {
		return nil
	}
	s.setState(state.Retraining)
	return s.restore(true)
}

// ClearOverride drops the cap. The running link stays where it is until the
// next negotiation.
func (s *Service) ClearOverride(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.store.ClearOverride()
	return nil
}

// SetPreferred records the operator preferred settings for the next negotiation.
func (s *Service) SetPreferred(p link.Settings) {
	s.store.SetPreferred(p)
}

// EnterPowerSave powers the sink down with the stream parked.
func (s *Service) EnterPowerSave(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	if st := s.State(); st != state.Active {
		return fmt.Errorf("%s: power save with stream %s: %w", s.name, st, ErrInvalidState)
	}
	if err := s.col.Hardware.DisableOutput(); err != nil {
		glog.Errorf("%s: disable output: %s", s.name, err)
	}
	if err := dpcd.WriteByte(s.col.Channel, dpcd.SetPower, dpcd.SetPowerD3); err != nil {
		glog.Warningf("%s: set power D3: %s", s.name, err)
	}
	s.setState(state.PowerSave)
	return nil
}

// ExitPowerSave wakes the sink and retrains at the parked settings.
func (s *Service) ExitPowerSave(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	if st := s.State(); st != state.PowerSave {
		return fmt.Errorf("%s: exit power save with stream %s: %w", s.name, st, ErrInvalidState)
	}
	if err := dpcd.WriteByte(s.col.Channel, dpcd.SetPower, dpcd.SetPowerD0); err != nil {
		glog.Warningf("%s: set power D0: %s", s.name, err)
	}
	s.setState(state.Retraining)
	return s.restore(false)
}

// SetPSRActive enables or disables panel self refresh on the sink.
func (s *Service) SetPSRActive(ctx context.Context, active bool) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	if active && !s.store.Features().PSR {
		return fmt.Errorf("%s: self refresh: %w", s.name, ErrNotSupported)
	}
	if active && s.State() != state.Active {
		return fmt.Errorf("%s: self refresh with stream %s: %w", s.name, s.State(), ErrInvalidState)
	}
	return s.setPSR(active)
}

func (s *Service) setPSR(active bool) error {
	var v byte
	if active {
		v = dpcd.PSREnable
	}
	if err := dpcd.WriteByte(s.col.Channel, dpcd.PSREnCfg, v); err != nil {
		return fmt.Errorf("%s: write PSR config: %w", s.name, err)
	}
	return s.col.Shared.SetPSRActive(s.name, active)
}

// ServiceInterrupt handles one interrupt, waiting for the link when busy.
func (s *Service) ServiceInterrupt(ctx context.Context) (monitor.Result, error) {
	if err := s.acquire(ctx); err != nil {
		return monitor.Result{}, err
	}
	res, err := s.serviceInterrupt(ctx)
	s.release()
	if err == nil {
		s.dispatch(res)
	}
	return res, err
}

// onInterrupt runs in the interrupt source context and must not block.
func (s *Service) onInterrupt() {
	if !s.sem.TryAcquire(1) {
		glog.V(2).Infof("%s: link busy, deferring interrupt", s.name)
		s.enqueue(request{kind: reqInterrupt})
		return
	}
	res, err := s.serviceInterrupt(context.Background())
	s.release()
	if err == nil {
		s.dispatch(res)
	}
}

func (s *Service) serviceInterrupt(ctx context.Context) (monitor.Result, error) {
	if !s.Connected() {
		return monitor.Result{}, ErrNotConnected
	}
	st := s.State()
	switch {
	case st == state.PowerSave:
		glog.Errorf("%s: interrupt while powered down, dropped", s.name)
		metrics.CountInterrupt(s.name, "illegal_state")
		return monitor.Result{}, ErrIllegalState
	case st.Transitional():
		s.enqueue(request{kind: reqInterrupt})
		return monitor.Result{}, errDeferred
	}
	return s.mon.HandleInterrupt(ctx)
}

func (s *Service) dispatch(res monitor.Result) {
	switch res.Outcome {
	case monitor.OutcomeNeedsRetrain:
		if s.opts.AutoRetrain {
			s.enqueue(request{kind: reqRetrain})
		}
	case monitor.OutcomeTestRequest:
		if !res.TestTarget.IsUnknown() {
			s.enqueue(request{kind: reqTest, target: res.TestTarget})
		}
	}
}

func (s *Service) enqueue(r request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.work == nil {
		return
	}
	select {
	case s.work <- r:
	default:
		glog.Warningf("%s: work queue full, dropping %s request", s.name, r.kind)
	}
}

func (s *Service) processNext(ctx context.Context, work <-chan request) {
	select {
	case <-ctx.Done():
		return
	case r := <-work:
		s.process(ctx, r)
	}
}

func (s *Service) process(ctx context.Context, r request) {
	glog.V(2).Infof("%s: deferred %s", s.name, r.kind)
	var err error
	switch r.kind {
	case reqInterrupt:
		_, err = s.ServiceInterrupt(ctx)
		if errors.Is(err, errDeferred) {
			err = nil
		}
	case reqRetrain:
		err = s.Retrain(ctx)
	case reqTest:
		err = s.runTest(ctx, r.target)
	}
	if err != nil && ctx.Err() == nil {
		glog.Errorf("%s: deferred %s: %s", s.name, r.kind, err)
	}
}

// runTest trains at the target of an acknowledged link training test. The
// request is queued, so the link may have changed since the sink raised it:
// tests only run under an active stream. A failed test falls back to the
// settings the stream ran at before, and drops the stream when those no
// longer train either.
func (s *Service) runTest(ctx context.Context, target link.Settings) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.release()
	if !s.Connected() {
		return ErrNotConnected
	}
	if st := s.State(); st != state.Active {
		glog.Infof("%s: link training test at %s skipped, stream %s", s.name, target, st)
		return nil
	}
	prev := s.store.Current()
	s.setState(state.Retraining)
	glog.Infof("%s: link training test at %s", s.name, target)
	res := s.seq.Train(target, false)
	if res.Success() {
		s.setCurrent(target)
		s.setState(state.Active)
		return nil
	}
	err := fmt.Errorf("%s: test training at %s: %s: %w", s.name, target, res, ErrTrainingFailed)
	if !prev.IsUnknown() && s.seq.Train(prev, false).Success() {
		glog.Warningf("%s: %s, restored %s", s.name, err, prev)
		s.setCurrent(prev)
		s.setState(state.Active)
		return err
	}
	return s.linkFailed(err)
}

func (s *Service) setState(st state.StreamState) {
	if err := s.col.Shared.SetStream(s.name, st); err != nil {
		glog.Errorf("%s: %s", s.name, err)
		return
	}
	glog.V(2).Infof("%s: stream %s", s.name, st)
	metrics.UpdateStreamStateMetrics(s.name, int(st))
}

func (s *Service) setCurrent(c link.Settings) {
	s.store.SetCurrent(c)
	metrics.UpdateLinkMetrics(s.name, c)
}

func (s *Service) clearCurrent() {
	s.store.ClearCurrent()
	metrics.UpdateLinkMetrics(s.name, link.Unknown)
}

func (s *Service) notify(kind event.Kind, settings link.Settings, detail string) {
	if s.col.Notifier == nil {
		return
	}
	s.col.Notifier.Notify(event.New(s.name, kind, settings, detail))
}

// Status ... point in time view of the link
type Status struct {
	Name      string
	Kind      Kind
	Connected bool
	Stream    state.StreamState
	PSRActive bool
	Timing    link.Timing
	Store     capability.Snapshot
}

func (s *Service) Status() Status {
	return Status{
		Name:      s.name,
		Kind:      KindSST,
		Connected: s.Connected(),
		Stream:    s.State(),
		PSRActive: s.col.Shared.IsPSRActive(s.name),
		Timing:    s.Timing(),
		Store:     s.store.Snapshot(),
	}
}
