// Package monitor classifies sink interrupts. It reads the interrupt status
// block, handles what can be handled in place and raises typed events for the
// rest. It never retrains.
package monitor

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/event"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/metrics"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
)

// Subscription is released on disconnect.
type Subscription interface {
	Cancel()
}

// InterruptSource delivers short-pulse interrupts for one connector.
type InterruptSource interface {
	Subscribe(fn func()) Subscription
}

// Outcome ...
type Outcome int

const (
	// OutcomeNone ... nothing to do
	OutcomeNone Outcome = iota
	OutcomeTestRequest
	OutcomePSRRecovered
	OutcomePSRActive
	OutcomeNeedsRetrain
	OutcomeConnectivityChanged
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeTestRequest:
		return "test_request"
	case OutcomePSRRecovered:
		return "psr_recovered"
	case OutcomePSRActive:
		return "psr_active"
	case OutcomeNeedsRetrain:
		return "needs_retrain"
	case OutcomeConnectivityChanged:
		return "connectivity_changed"
	case OutcomeTransportError:
		return "transport_error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Handled reports whether the interrupt was consumed.
func (o Outcome) Handled() bool {
	return o != OutcomeNone && o != OutcomeTransportError
}

// Result ... what one interrupt amounted to
type Result struct {
	Outcome Outcome
	// TestTarget is the link training test target when Outcome is OutcomeTestRequest.
	TestTarget link.Settings
}

// DefaultMisreportingPortTypes are converter classes that raise
// DOWNSTREAM_PORT_STATUS_CHANGED without updating the sink count.
var DefaultMisreportingPortTypes = []dpcd.PortType{dpcd.PortTypeVGA}

// Options ...
type Options struct {
	MisreportingPortTypes []dpcd.PortType
}

// Monitor ...
type Monitor struct {
	name     string
	ch       dpcd.ControlChannel
	store    *capability.Store
	shared   *state.SharedState
	notifier event.Notifier
	opts     Options

	lastSinkCount uint8
}

// New ...
func New(name string, ch dpcd.ControlChannel, store *capability.Store, shared *state.SharedState,
	notifier event.Notifier, opts Options) *Monitor {
	if opts.MisreportingPortTypes == nil {
		opts.MisreportingPortTypes = DefaultMisreportingPortTypes
	}
	return &Monitor{
		name:     name,
		ch:       ch,
		store:    store,
		shared:   shared,
		notifier: notifier,
		opts:     opts,
	}
}

// Prime records the sink count a later change is measured against.
func (m *Monitor) Prime() error {
	v, err := dpcd.ReadByte(m.ch, dpcd.SinkCount)
	if err != nil {
		return fmt.Errorf("read sink count: %w", err)
	}
	m.lastSinkCount = v & dpcd.SinkCountMask
	return nil
}

// SinkCount ...
func (m *Monitor) SinkCount() uint8 {
	return m.lastSinkCount
}

// HandleInterrupt reads the interrupt status block and applies, in order:
// device service requests, self refresh errors, link status and connectivity.
// The first that applies ends the handling; link status and connectivity are
// never both reported for one interrupt.
func (m *Monitor) HandleInterrupt(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res, err := m.handle()
	metrics.CountInterrupt(m.name, res.Outcome.String())
	if err != nil {
		glog.Errorf("%s: interrupt: %s", m.name, err)
	}
	return res, err
}

func (m *Monitor) handle() (Result, error) {
	b, err := m.ch.Read(dpcd.SinkCount, dpcd.IRQBlockLength)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("read irq status: %w", err)
	}
	st, err := dpcd.DecodeIRQStatus(b)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, err
	}

	if st.ServiceVector&dpcd.AutomatedTestRequest != 0 {
		return m.handleTestRequest(st.ServiceVector)
	}

	if m.shared.IsPSRActive(m.name) {
		res, err := m.handlePSR()
		if err != nil || res.Outcome.Handled() {
			return res, err
		}
	}

	current := m.store.Current()
	if !current.IsUnknown() && !st.Link.Trained(current.LaneCount) {
		glog.Warningf("%s: link status regressed at %s: %+v aligned=%t", m.name, current,
			st.Link.Lanes[:current.LaneCount], st.Link.InterlaneAligned)
		m.notify(event.NeedsRetrain, current, "link status regressed")
		return Result{Outcome: OutcomeNeedsRetrain}, nil
	}

	if m.connectivityChanged(st) {
		return Result{Outcome: OutcomeConnectivityChanged}, nil
	}
	return Result{Outcome: OutcomeNone}, nil
}

func (m *Monitor) connectivityChanged(st dpcd.IRQStatus) bool {
	if st.SinkCount != m.lastSinkCount {
		glog.Infof("%s: sink count %d -> %d", m.name, m.lastSinkCount, st.SinkCount)
		m.lastSinkCount = st.SinkCount
		m.notify(event.ConnectivityChanged, link.Unknown, fmt.Sprintf("sink count %d", st.SinkCount))
		return true
	}
	conv := m.store.Converter()
	if !conv.Present || !st.Link.DownstreamChanged || !m.misreports(conv.PortType) {
		return false
	}
	glog.Infof("%s: downstream %s port status changed with sink count %d", m.name, conv.PortType, st.SinkCount)
	m.notify(event.ConnectivityChanged, link.Unknown, fmt.Sprintf("%s downstream status changed", conv.PortType))
	return true
}

func (m *Monitor) misreports(p dpcd.PortType) bool {
	for _, t := range m.opts.MisreportingPortTypes {
		if t == p {
			return true
		}
	}
	return false
}

func (m *Monitor) handleTestRequest(vector byte) (Result, error) {
	if err := dpcd.WriteByte(m.ch, dpcd.DeviceServiceIRQVector, vector); err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("clear service irq: %w", err)
	}
	req, err := dpcd.ReadByte(m.ch, dpcd.TestRequest)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("read test request: %w", err)
	}
	if req&dpcd.TestLinkTraining == 0 {
		glog.Infof("%s: unsupported test request 0x%02x, NAK", m.name, req)
		if err := dpcd.WriteByte(m.ch, dpcd.TestResponse, dpcd.TestNak); err != nil {
			return Result{Outcome: OutcomeTransportError}, fmt.Errorf("test response: %w", err)
		}
		return Result{Outcome: OutcomeTestRequest}, nil
	}

	rate, err := dpcd.ReadByte(m.ch, dpcd.TestLinkRate)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("read test link rate: %w", err)
	}
	lanes, err := dpcd.ReadByte(m.ch, dpcd.TestLaneCount)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("read test lane count: %w", err)
	}
	target := link.Settings{LaneCount: link.LaneCount(lanes & dpcd.MaxLaneCountMask), LinkRate: link.LinkRate(rate)}
	response := byte(dpcd.TestAck)
	if !target.LaneCount.Valid() || !target.LinkRate.Valid() {
		glog.Warningf("%s: link training test at invalid %d lanes rate 0x%02x, NAK", m.name, lanes, rate)
		response = dpcd.TestNak
		target = link.Unknown
	}
	if err := dpcd.WriteByte(m.ch, dpcd.TestResponse, response); err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("test response: %w", err)
	}
	if !target.IsUnknown() {
		m.notify(event.TestRequest, target, "link training test")
	}
	return Result{Outcome: OutcomeTestRequest, TestTarget: target}, nil
}

func (m *Monitor) handlePSR() (Result, error) {
	errs, err := dpcd.ReadByte(m.ch, dpcd.PSRErrorStatus)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("read psr error status: %w", err)
	}
	if mask := errs & (dpcd.PSRLinkCRCError | dpcd.PSRRFBStorageErr); mask != 0 {
		if err := dpcd.WriteByte(m.ch, dpcd.PSRErrorStatus, mask); err != nil {
			return Result{Outcome: OutcomeTransportError}, fmt.Errorf("clear psr errors: %w", err)
		}
		glog.Warningf("%s: PSR error 0x%02x cleared, self refresh must be re-enabled", m.name, mask)
		m.notify(event.PSRRecover, m.store.Current(), fmt.Sprintf("psr error 0x%02x", mask))
		return Result{Outcome: OutcomePSRRecovered}, nil
	}
	status, err := dpcd.ReadByte(m.ch, dpcd.PSRStatus)
	if err != nil {
		return Result{Outcome: OutcomeTransportError}, fmt.Errorf("read psr status: %w", err)
	}
	if status&dpcd.PSRStatusMask == dpcd.PSRActiveFromRFB {
		// main link may be powered down; link status is meaningless
		return Result{Outcome: OutcomePSRActive}, nil
	}
	return Result{Outcome: OutcomeNone}, nil
}

func (m *Monitor) notify(kind event.Kind, s link.Settings, detail string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(event.New(m.name, kind, s, detail))
}
