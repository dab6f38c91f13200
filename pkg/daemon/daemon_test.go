package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/config"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/daemon"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoDisplays = `
probe:
  retryDelayMin: 1us
  retryDelayMax: 1us
displays:
- name: DP-1
  maxPixelClockKHz: 600000
  sink:
    maxLinkRate: HBR2
    maxLaneCount: 4
  timing:
    pixelClockKHz: 148500
    bitsPerColor: 8
- name: DP-2
  sink:
    maxLinkRate: HBR
    maxLaneCount: 2
`

func newDaemon(t *testing.T, yaml string) *daemon.Daemon {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	dn, err := daemon.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { dn.Stop(context.Background()) })
	return dn
}

func TestStart(t *testing.T) {
	dn := newDaemon(t, twoDisplays)
	ready, msg := dn.ReadyTracker().Ready()
	assert.False(t, ready)
	assert.Equal(t, "Config not applied", msg)

	require.NoError(t, dn.Start(context.Background()))
	ready, msg = dn.ReadyTracker().Ready()
	assert.True(t, ready, msg)

	st := dn.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "DP-1", st[0].Name)
	assert.Equal(t, state.Active, st[0].Stream)
	// 148500 kHz at 24 bpp fits the smallest entry of 2xHBR
	assert.Equal(t, "2xHBR", st[0].Store.Current.String())
	assert.Equal(t, "DP-2", st[1].Name)
	assert.True(t, st[1].Connected)
	assert.Equal(t, state.Disabled, st[1].Stream)
	assert.Equal(t, "2xHBR", st[1].Store.Reported.String())
	assert.True(t, st[1].Store.Verified.IsUnknown(), "connect does not probe")
}

func TestStartWithConfiguredOverride(t *testing.T) {
	dn := newDaemon(t, `
probe:
  retryDelayMin: 1us
displays:
- name: DP-1
  override: 4xRBR
  sink: {maxLinkRate: HBR2, maxLaneCount: 4}
  timing: {pixelClockKHz: 148500, bitsPerColor: 8}
`)
	require.NoError(t, dn.Start(context.Background()))
	d, ok := dn.Display("DP-1")
	require.True(t, ok)
	assert.Equal(t, "4xRBR", d.Service.Store().Current().String())
}

func TestApplyOverrides(t *testing.T) {
	dn := newDaemon(t, twoDisplays)
	ctx := context.Background()
	require.NoError(t, dn.Start(ctx))
	d, _ := dn.Display("DP-1")

	dn.ApplyOverrides(ctx, config.Overrides{"DP-1": {Override: "4xRBR"}})
	assert.Equal(t, state.Active, d.Service.State())
	assert.Equal(t, link.Settings{LaneCount: 4, LinkRate: link.LinkRateLow}, d.Service.Store().Current())
	attempts := len(d.Sim.Sink.TrainAttempts())

	// unchanged overrides leave the link alone
	dn.ApplyOverrides(ctx, config.Overrides{"DP-1": {Override: "4xRBR"}})
	assert.Len(t, d.Sim.Sink.TrainAttempts(), attempts)

	dn.ApplyOverrides(ctx, config.Overrides{})
	assert.True(t, d.Service.Store().Snapshot().Override.IsUnknown())
}

func TestUnreachableStreamNotReady(t *testing.T) {
	dn := newDaemon(t, `
probe:
  retryDelayMin: 1us
displays:
- name: DP-1
  sink: {maxLinkRate: HBR, maxLaneCount: 1}
  timing: {pixelClockKHz: 148500, bitsPerColor: 8}
`)
	err := dn.Start(context.Background())
	assert.Error(t, err)
	ready, msg := dn.ReadyTracker().Ready()
	assert.False(t, ready)
	assert.Contains(t, msg, "DP-1 (disabled)")
}

func TestMissingAuxDevice(t *testing.T) {
	dn := newDaemon(t, twoDisplays+`- name: eDP-1
  auxDevice: /nonexistent/drm_dp_aux9
`)
	err := dn.Start(context.Background())
	assert.Error(t, err)
	assert.Empty(t, dn.Inspected())
	d, _ := dn.Display("DP-1")
	assert.Equal(t, state.Active, d.Service.State())
}

func TestInspectAuxDevLeavesDeviceUntouched(t *testing.T) {
	img := make([]byte, 0x300)
	img[dpcd.Rev] = 0x14
	img[dpcd.MaxLinkRate] = byte(link.LinkRateHigh3)
	img[dpcd.MaxLaneCount] = 2
	path := filepath.Join(t.TempDir(), "drm_dp_aux2")
	require.NoError(t, os.WriteFile(path, img, 0o444))

	caps, err := daemon.InspectAuxDev(path)
	require.NoError(t, err)
	assert.Equal(t, "1.4", caps.Revision)
	assert.Equal(t, "2xHBR3", caps.Max.String())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, img, after)
}

func TestStop(t *testing.T) {
	dn := newDaemon(t, twoDisplays)
	require.NoError(t, dn.Start(context.Background()))
	dn.Stop(context.Background())
	for _, st := range dn.Statuses() {
		assert.False(t, st.Connected)
		assert.Equal(t, state.Disabled, st.Stream)
	}
	ready, _ := dn.ReadyTracker().Ready()
	assert.False(t, ready)
}

func TestRun(t *testing.T) {
	dn := newDaemon(t, twoDisplays)
	require.NoError(t, dn.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	dn.Run(ctx, 10*time.Millisecond)
	assert.Error(t, ctx.Err())
}
