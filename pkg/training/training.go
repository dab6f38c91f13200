// Package training drives one link training attempt: clock recovery, channel
// equalization and the post-training adjust handshake.
package training

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/features"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/metrics"
)

const (
	// MaxClockRecoveryIterations bounds the clock recovery loop as a whole.
	MaxClockRecoveryIterations = 100
	// MaxSameVoltageSwingRetries bounds consecutive iterations in which the sink
	// keeps asking for the swing already programmed.
	MaxSameVoltageSwingRetries = 5
	// MaxChannelEqRetries bounds the channel equalization loop.
	MaxChannelEqRetries = 5
	// PostLTAdjustLimit is how many adjustments are honored after training.
	PostLTAdjustLimit = 6
	// PostLTAdjustPolls is how often the request flag is polled per adjustment.
	PostLTAdjustPolls = 200
	// PostLTAdjustPollInterval ...
	PostLTAdjustPollInterval = time.Millisecond
)

// Result ... outcome of a training attempt
type Result int

const (
	ResultSuccess Result = iota
	ResultCRFailMaxVoltage
	ResultCRFailStalled
	ResultCRFailIterations
	ResultEQFailCR
	ResultEQFailEQ
	ResultTransportError
	ResultHardwareError
	ResultInvalidSettings
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultCRFailMaxVoltage:
		return "cr_fail_max_voltage"
	case ResultCRFailStalled:
		return "cr_fail_stalled"
	case ResultCRFailIterations:
		return "cr_fail_iterations"
	case ResultEQFailCR:
		return "eq_fail_cr_lost"
	case ResultEQFailEQ:
		return "eq_fail"
	case ResultTransportError:
		return "transport_error"
	case ResultHardwareError:
		return "hardware_error"
	case ResultInvalidSettings:
		return "invalid_settings"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Success ...
func (r Result) Success() bool {
	return r == ResultSuccess
}

// Options ... loop bounds, defaults from the constants above
type Options struct {
	MaxClockRecoveryIterations int
	MaxSameVoltageSwingRetries int
	MaxChannelEqRetries        int
	PostLTAdjustLimit          int
	PostLTAdjustPolls          int
	PostLTAdjustPollInterval   time.Duration
}

// DefaultOptions ...
func DefaultOptions() Options {
	return Options{
		MaxClockRecoveryIterations: MaxClockRecoveryIterations,
		MaxSameVoltageSwingRetries: MaxSameVoltageSwingRetries,
		MaxChannelEqRetries:        MaxChannelEqRetries,
		PostLTAdjustLimit:          PostLTAdjustLimit,
		PostLTAdjustPolls:          PostLTAdjustPolls,
		PostLTAdjustPollInterval:   PostLTAdjustPollInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxClockRecoveryIterations <= 0 {
		o.MaxClockRecoveryIterations = d.MaxClockRecoveryIterations
	}
	if o.MaxSameVoltageSwingRetries <= 0 {
		o.MaxSameVoltageSwingRetries = d.MaxSameVoltageSwingRetries
	}
	if o.MaxChannelEqRetries <= 0 {
		o.MaxChannelEqRetries = d.MaxChannelEqRetries
	}
	if o.PostLTAdjustLimit <= 0 {
		o.PostLTAdjustLimit = d.PostLTAdjustLimit
	}
	if o.PostLTAdjustPolls <= 0 {
		o.PostLTAdjustPolls = d.PostLTAdjustPolls
	}
	if o.PostLTAdjustPollInterval <= 0 {
		o.PostLTAdjustPollInterval = d.PostLTAdjustPollInterval
	}
	return o
}

// SinkInfo is what the sequencer needs to know about the sink.
type SinkInfo interface {
	Features() features.Features
	AuxRdInterval() byte
}

// Sequencer trains one link. It is not safe for concurrent use; the owner
// serializes attempts.
type Sequencer struct {
	name string
	ch   dpcd.ControlChannel
	hw   Hardware
	sink SinkInfo
	opts Options

	lastLanes []link.LaneSettings
}

// New ...
func New(name string, ch dpcd.ControlChannel, hw Hardware, sink SinkInfo, opts Options) *Sequencer {
	return &Sequencer{
		name: name,
		ch:   ch,
		hw:   hw,
		sink: sink,
		opts: opts.withDefaults(),
	}
}

// LastLaneSettings returns the drive settings of the last successful attempt.
func (s *Sequencer) LastLaneSettings() []link.LaneSettings {
	return append([]link.LaneSettings(nil), s.lastLanes...)
}

// attempt ... per-call training state
type attempt struct {
	target   link.Settings
	features features.Features
	lanes    []link.LaneSettings
	pattern  dpcd.TrainingPattern
	// clock recovery counters are kept apart on purpose
	crIterations int
	crSameSwing  int
	eqRetries    int
}

// Train makes one attempt at target. On success the sink is out of training
// and, unless skipVideoPattern is set, the transmitter drives video idle. On
// any failure the output is left disabled.
func (s *Sequencer) Train(target link.Settings, skipVideoPattern bool) Result {
	res := s.train(target, skipVideoPattern)
	metrics.CountTraining(s.name, res.String())
	if res.Success() {
		glog.Infof("%s: link trained at %s lanes %v", s.name, target, s.lastLanes)
		return res
	}
	glog.Warningf("%s: training at %s failed: %s", s.name, target, res)
	s.abort()
	return res
}

func (s *Sequencer) train(target link.Settings, skipVideoPattern bool) Result {
	if !target.LaneCount.Valid() || !target.LinkRate.Valid() {
		return ResultInvalidSettings
	}
	a := &attempt{
		target:   target,
		features: s.sink.Features(),
		lanes:    link.MinimumLanes(target.LaneCount),
	}

	if err := s.hw.EnableOutput(target); err != nil {
		glog.Errorf("%s: enable output at %s: %s", s.name, target, err)
		return ResultHardwareError
	}
	if err := s.configureSink(a); err != nil {
		return s.transportFailure("configure sink", err)
	}

	if res := s.clockRecovery(a); !res.Success() {
		return res
	}
	if res := s.channelEqualization(a); !res.Success() {
		return res
	}

	if err := dpcd.WriteByte(s.ch, dpcd.TrainingPatternSet, dpcd.EncodeTrainingPattern(dpcd.TrainingPatternVideoIdle)); err != nil {
		return s.transportFailure("clear training pattern", err)
	}
	if !skipVideoPattern {
		if err := s.hw.SetTrainingPattern(dpcd.TrainingPatternVideoIdle); err != nil {
			glog.Errorf("%s: set video idle: %s", s.name, err)
			return ResultHardwareError
		}
		if a.features.Training.PostLTAdjust {
			s.postTrainingAdjust(a)
			// drop the grant so the sink stops raising requests
			if err := dpcd.WriteByte(s.ch, dpcd.LaneCountSet, s.laneCountSet(a, false)); err != nil {
				glog.Warningf("%s: clear post-LT grant: %s", s.name, err)
			}
		}
	}
	// post-LT adjust may have moved the drive settings
	s.lastLanes = a.lanes
	return ResultSuccess
}

func (s *Sequencer) laneCountSet(a *attempt, grant bool) byte {
	v := byte(a.target.LaneCount)
	if a.features.Framing.Enhanced {
		v |= dpcd.LaneCountEnhancedFraming
	}
	if grant && a.features.Training.PostLTAdjust {
		v |= dpcd.LaneCountPostLTAdjGrant
	}
	return v
}

// configureSink writes LINK_BW_SET, LANE_COUNT_SET and DOWNSPREAD_CTRL.
func (s *Sequencer) configureSink(a *attempt) error {
	if err := s.ch.Write(dpcd.LinkBWSet, []byte{byte(a.target.LinkRate), s.laneCountSet(a, true)}); err != nil {
		return err
	}
	spread := byte(0)
	if a.target.Spread == link.SpreadEnabled && a.features.Framing.Downspread {
		spread = dpcd.SpreadAmp05
	}
	return dpcd.WriteByte(s.ch, dpcd.DownspreadCtrl, spread)
}

// program pushes a.lanes to the PHY and the sink. withPattern also writes
// TRAINING_PATTERN_SET in the same transaction.
func (s *Sequencer) program(a *attempt, withPattern bool) error {
	if err := s.hw.SetLaneSettings(a.target, a.lanes); err != nil {
		return fmt.Errorf("hardware lane settings: %w", err)
	}
	laneSet := dpcd.EncodeLaneSet(a.lanes)
	if withPattern {
		if err := s.ch.Write(dpcd.TrainingPatternSet, append([]byte{dpcd.EncodeTrainingPattern(a.pattern)}, laneSet...)); err != nil {
			return err
		}
	} else if err := s.ch.Write(dpcd.TrainingLane0Set, laneSet); err != nil {
		return err
	}
	if a.features.Training.PostCursor2 {
		return s.ch.Write(dpcd.TrainingLane01Set2, dpcd.EncodePostCursor2Set(a.lanes))
	}
	return nil
}

func (s *Sequencer) readStatus(a *attempt) (dpcd.LinkStatus, error) {
	b, err := s.ch.Read(dpcd.Lane01Status, dpcd.StatusBlockLength)
	if err != nil {
		return dpcd.LinkStatus{}, err
	}
	st, err := dpcd.DecodeLinkStatus(b)
	if err != nil {
		return st, err
	}
	if a.features.Training.PostCursor2 {
		pc, err := dpcd.ReadByte(s.ch, dpcd.AdjustRequestPostCur2)
		if err != nil {
			return st, err
		}
		st.ApplyPostCursor2(pc)
	}
	return st, nil
}

// adopt takes the strongest request across the active lanes. Post-cursor2 is
// zeroed when the sink cannot take it.
func (s *Sequencer) adopt(a *attempt, st dpcd.LinkStatus) link.LaneSettings {
	req := link.Strongest(st.Requested(a.target.LaneCount))
	if !a.features.Training.PostCursor2 {
		req.PostCursor2 = link.PostCursor2Disabled
	}
	a.lanes = link.Uniform(a.target.LaneCount, req)
	return req
}

func (s *Sequencer) clockRecovery(a *attempt) Result {
	a.pattern = dpcd.TrainingPattern1
	if err := s.hw.SetTrainingPattern(a.pattern); err != nil {
		glog.Errorf("%s: set %s: %s", s.name, a.pattern, err)
		return ResultHardwareError
	}
	first := true
	for {
		if err := s.program(a, first); err != nil {
			return s.transportFailure("clock recovery program", err)
		}
		first = false
		time.Sleep(dpcd.ClockRecoveryInterval)

		st, err := s.readStatus(a)
		if err != nil {
			return s.transportFailure("clock recovery status", err)
		}
		if st.CRDone(a.target.LaneCount) {
			glog.V(2).Infof("%s: CR done at %s after %d iterations", s.name, a.lanes[0], a.crIterations)
			return ResultSuccess
		}
		if a.lanes[0].MaxSwingReached() {
			glog.Warningf("%s: CR not done at max voltage swing", s.name)
			return ResultCRFailMaxVoltage
		}

		prev := a.lanes[0].VoltageSwing
		req := s.adopt(a, st)
		if req.VoltageSwing == prev {
			a.crSameSwing++
		} else {
			a.crSameSwing = 0
		}
		a.crIterations++
		glog.V(2).Infof("%s: CR iteration %d, same swing %d, next %s", s.name, a.crIterations, a.crSameSwing, req)

		if a.crSameSwing >= s.opts.MaxSameVoltageSwingRetries {
			glog.Warningf("%s: CR stalled at voltage swing %d", s.name, req.VoltageSwing)
			return ResultCRFailStalled
		}
		if a.crIterations >= s.opts.MaxClockRecoveryIterations {
			glog.Warningf("%s: CR not done after %d iterations", s.name, a.crIterations)
			return ResultCRFailIterations
		}
	}
}

func (s *Sequencer) channelEqualization(a *attempt) Result {
	a.pattern = dpcd.TrainingPattern2
	if a.features.Training.TPS3 {
		a.pattern = dpcd.TrainingPattern3
	}
	if err := s.hw.SetTrainingPattern(a.pattern); err != nil {
		glog.Errorf("%s: set %s: %s", s.name, a.pattern, err)
		return ResultHardwareError
	}
	wait := dpcd.AuxReadInterval(s.sink.AuxRdInterval())
	for a.eqRetries = 0; a.eqRetries < s.opts.MaxChannelEqRetries; a.eqRetries++ {
		if err := s.program(a, a.eqRetries == 0); err != nil {
			return s.transportFailure("channel eq program", err)
		}
		time.Sleep(wait)

		st, err := s.readStatus(a)
		if err != nil {
			return s.transportFailure("channel eq status", err)
		}
		if !st.CRDone(a.target.LaneCount) {
			glog.Warningf("%s: CR lost during channel eq", s.name)
			return ResultEQFailCR
		}
		if st.ChannelEqDone(a.target.LaneCount) && st.InterlaneAligned {
			glog.V(2).Infof("%s: EQ done with %s after %d retries", s.name, a.pattern, a.eqRetries)
			return ResultSuccess
		}
		req := s.adopt(a, st)
		glog.V(2).Infof("%s: EQ retry %d, next %s", s.name, a.eqRetries, req)
	}
	return ResultEQFailEQ
}

// postTrainingAdjust honors lane setting requests the sink raises after
// training. Running out of polls is logged, never a failure.
func (s *Sequencer) postTrainingAdjust(a *attempt) {
	for adj := 0; adj < s.opts.PostLTAdjustLimit; adj++ {
		changed := false
		for poll := 0; poll < s.opts.PostLTAdjustPolls; poll++ {
			st, err := s.readStatus(a)
			if err != nil {
				glog.Warningf("%s: post-LT adjust status: %s", s.name, err)
				return
			}
			if !st.Trained(a.target.LaneCount) {
				glog.Warningf("%s: link lost training during post-LT adjust", s.name)
				return
			}
			if !st.PostLTAdjPending {
				glog.V(2).Infof("%s: post-LT adjust done after %d adjustments", s.name, adj)
				return
			}
			prev := a.lanes[0]
			if req := s.adopt(a, st); req != prev {
				if err := s.program(a, false); err != nil {
					glog.Warningf("%s: post-LT adjust program: %s", s.name, err)
					return
				}
				changed = true
				break
			}
			time.Sleep(s.opts.PostLTAdjustPollInterval)
		}
		if !changed {
			break
		}
	}
	glog.Warningf("%s: sink still requests post-LT adjust, keeping %s", s.name, a.lanes[0])
}

func (s *Sequencer) transportFailure(step string, err error) Result {
	glog.Errorf("%s: %s: %s", s.name, step, err)
	return ResultTransportError
}

// abort leaves the sink out of training and the output disabled. Errors are
// only logged since the link is already unusable.
func (s *Sequencer) abort() {
	if err := dpcd.WriteByte(s.ch, dpcd.TrainingPatternSet, dpcd.EncodeTrainingPattern(dpcd.TrainingPatternVideoIdle)); err != nil {
		glog.Warningf("%s: clear training pattern: %s", s.name, err)
	}
	if err := s.hw.DisableOutput(); err != nil {
		glog.Errorf("%s: disable output: %s", s.name, err)
	}
}
