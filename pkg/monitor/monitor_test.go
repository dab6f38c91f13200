package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/capability"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/event"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/features"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/monitor"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/sim"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fourHBR2 = link.Settings{LaneCount: link.LaneCountFour, LinkRate: link.LinkRateHigh2}
	twoHBR   = link.Settings{LaneCount: link.LaneCountTwo, LinkRate: link.LinkRateHigh}
)

type rig struct {
	d      *sim.Display
	store  *capability.Store
	shared *state.SharedState
	events *event.ChanSubscriber
	mon    *monitor.Monitor
}

func newRig(t *testing.T, cfg sim.SinkConfig) *rig {
	t.Helper()
	d := sim.NewDisplay("DP-1", cfg, 0)
	caps, err := dpcd.ReadReceiverCaps(d.Sink)
	require.NoError(t, err)
	store := capability.NewStore("DP-1")
	store.Load(caps, features.All())
	notifier := event.NewStateNotifier()
	events := event.NewChanSubscriber("test", event.All, 8)
	notifier.Register(events)
	shared := state.NewSharedState()
	mon := monitor.New("DP-1", d.Sink, store, shared, notifier, monitor.Options{})
	require.NoError(t, mon.Prime())
	return &rig{d: d, store: store, shared: shared, events: events, mon: mon}
}

// trainActive trains the sink and marks the link current, as stream enable would.
func (r *rig) trainActive(t *testing.T) {
	t.Helper()
	seq := training.New("DP-1", r.d.Sink, r.d.PHY, r.store, training.Options{})
	require.Equal(t, training.ResultSuccess, seq.Train(fourHBR2, false))
	r.store.SetCurrent(fourHBR2)
}

func (r *rig) handle(t *testing.T) monitor.Result {
	t.Helper()
	res, err := r.mon.HandleInterrupt(context.Background())
	require.NoError(t, err)
	return res
}

func (r *rig) expectEvent(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	select {
	case e := <-r.events.C:
		assert.Equal(t, kind, e.Kind)
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no event", "expected %s", kind)
	}
	return event.Event{}
}

func (r *rig) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.events.C:
		assert.Fail(t, "unexpected event", "%s", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnchangedSinkCountIsQuiet(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	r.trainActive(t)
	res := r.handle(t)
	assert.Equal(t, monitor.OutcomeNone, res.Outcome)
	assert.False(t, res.Outcome.Handled())
	r.expectNoEvent(t)
}

func TestSinkCountChange(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	r.d.Sink.SetSinkCount(2)
	assert.Equal(t, monitor.OutcomeConnectivityChanged, r.handle(t).Outcome)
	r.expectEvent(t, event.ConnectivityChanged)
	assert.Equal(t, uint8(2), r.mon.SinkCount())

	assert.Equal(t, monitor.OutcomeNone, r.handle(t).Outcome, "duplicate notification")
	r.expectNoEvent(t)
}

func TestMisreportingConverter(t *testing.T) {
	tests := []struct {
		name string
		port dpcd.PortType
		want monitor.Outcome
	}{
		{"vga", dpcd.PortTypeVGA, monitor.OutcomeConnectivityChanged},
		{"hdmi", dpcd.PortTypeHDMI, monitor.OutcomeNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, sim.SinkConfig{
				Max:        fourHBR2,
				Downstream: dpcd.DownstreamPort{Present: true, Type: tc.port, MaxPixelClockKHz: 160000},
			})
			r.d.Sink.SetDownstreamChanged()
			assert.Equal(t, tc.want, r.handle(t).Outcome)
		})
	}
}

func TestLinkRegression(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	r.trainActive(t)
	r.d.Sink.RegressLane(0)
	r.d.Sink.SetSinkCount(3)

	assert.Equal(t, monitor.OutcomeNeedsRetrain, r.handle(t).Outcome)
	e := r.expectEvent(t, event.NeedsRetrain)
	assert.Equal(t, fourHBR2, e.Settings)
	r.expectNoEvent(t)
	assert.Equal(t, uint8(1), r.mon.SinkCount(), "connectivity is left for the next interrupt")
}

func TestLinkStatusIgnoredWithoutActiveLink(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	assert.Equal(t, monitor.OutcomeNone, r.handle(t).Outcome)
}

func TestLinkTrainingTestRequest(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	r.trainActive(t)
	r.d.Sink.RaiseTestRequest(dpcd.TestLinkTraining, twoHBR)
	r.d.Sink.RegressLane(1)

	res := r.handle(t)
	assert.Equal(t, monitor.OutcomeTestRequest, res.Outcome)
	assert.Equal(t, twoHBR, res.TestTarget)
	assert.Equal(t, []byte{dpcd.TestAck}, r.d.Sink.TestResponses())
	assert.Zero(t, r.d.Sink.Register(dpcd.DeviceServiceIRQVector)&dpcd.AutomatedTestRequest)
	r.expectEvent(t, event.TestRequest)
	r.expectNoEvent(t)
}

func TestUnsupportedTestRequest(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	r.d.Sink.RaiseTestRequest(dpcd.TestPhyPattern, link.Unknown)
	res := r.handle(t)
	assert.Equal(t, monitor.OutcomeTestRequest, res.Outcome)
	assert.True(t, res.TestTarget.IsUnknown())
	assert.Equal(t, []byte{dpcd.TestNak}, r.d.Sink.TestResponses())
	r.expectNoEvent(t)
}

func TestPSR(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2, PSR: true})
	r.trainActive(t)
	require.NoError(t, r.shared.SetPSRActive("DP-1", true))

	r.d.Sink.SetPSRError(dpcd.PSRLinkCRCError, 0)
	assert.Equal(t, monitor.OutcomePSRRecovered, r.handle(t).Outcome)
	assert.Zero(t, r.d.Sink.Register(dpcd.PSRErrorStatus))
	r.expectEvent(t, event.PSRRecover)

	// main link down during self refresh: regression is expected and ignored
	r.d.Sink.SetPSRError(0, dpcd.PSRActiveFromRFB)
	r.d.Sink.RegressLane(0)
	assert.Equal(t, monitor.OutcomePSRActive, r.handle(t).Outcome)
	r.expectNoEvent(t)

	require.NoError(t, r.shared.SetPSRActive("DP-1", false))
	assert.Equal(t, monitor.OutcomeNeedsRetrain, r.handle(t).Outcome)
	r.expectEvent(t, event.NeedsRetrain)
}

func TestTransportError(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	r.d.Sink.FailTransactions(1)
	res, err := r.mon.HandleInterrupt(context.Background())
	assert.True(t, errors.Is(err, dpcd.ErrTransport))
	assert.Equal(t, monitor.OutcomeTransportError, res.Outcome)
	assert.False(t, res.Outcome.Handled())
}

func TestCancelledContext(t *testing.T) {
	r := newRig(t, sim.SinkConfig{Max: fourHBR2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.mon.HandleInterrupt(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
