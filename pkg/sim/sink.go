// Package sim provides a simulated DisplayPort sink and source PHY. The sink
// models the DPCD registers the link service touches and answers training
// the way a real receiver would, with knobs to make it misbehave.
package sim

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/monitor"
)

const regSpace = 0x2100

// SinkConfig ... what the sink advertises
type SinkConfig struct {
	Revision        byte
	Max             link.Settings
	TPS3            bool
	PostLTAdjust    bool
	EnhancedFraming bool
	PSR             bool
	AuxRdInterval   byte
	Downstream      dpcd.DownstreamPort
	SinkCount       uint8
}

// Sink ... simulated receiver
type Sink struct {
	mu   sync.Mutex
	regs [regSpace]byte

	// training requirements
	requiredSwing    link.VoltageSwing
	requiredPreEmph  link.PreEmphasis
	trainableCeiling link.Settings
	transient        map[link.Settings]int
	eqFail           map[link.Settings]bool
	neverCR          bool
	stuckSwing       bool
	oscillateSwing   bool
	dropCRInEQ       bool
	postLTStuck      bool
	postLTRequest    *link.LaneSettings

	// transport
	failNext  int
	unplugged bool

	// attempt state
	configured   link.Settings
	attemptFails bool
	crLocked     bool
	trained      bool

	trainAttempts []link.Settings
	testResponses []byte
	reads         int

	handlers map[int]func()
	nextID   int
}

// NewSink ...
func NewSink(cfg SinkConfig) *Sink {
	s := &Sink{
		transient: map[link.Settings]int{},
		eqFail:    map[link.Settings]bool{},
		handlers:  map[int]func(){},
	}
	rev := cfg.Revision
	if rev == 0 {
		rev = 0x12
	}
	s.regs[dpcd.Rev] = rev
	s.regs[dpcd.MaxLinkRate] = byte(cfg.Max.LinkRate)
	lanes := byte(cfg.Max.LaneCount)
	if cfg.PostLTAdjust {
		lanes |= dpcd.PostLTAdjReqSupported
	}
	if cfg.TPS3 {
		lanes |= dpcd.TPS3Supported
	}
	if cfg.EnhancedFraming {
		lanes |= dpcd.EnhancedFrameCap
	}
	s.regs[dpcd.MaxLaneCount] = lanes
	if cfg.Max.Spread == link.SpreadEnabled {
		s.regs[dpcd.MaxDownspread] = dpcd.MaxDownspread05
	}
	s.regs[dpcd.DownstreamPortPresent] = dpcd.EncodeDownstreamPresent(cfg.Downstream)
	if cfg.Downstream.Present {
		copy(s.regs[dpcd.DownstreamPortCaps:], dpcd.EncodeDetailedPort(cfg.Downstream))
	}
	s.regs[dpcd.TrainingAuxRdInterval] = cfg.AuxRdInterval
	if cfg.PSR {
		s.regs[dpcd.PSRSupport] = 1
	}
	count := cfg.SinkCount
	if count == 0 {
		count = 1
	}
	s.regs[dpcd.SinkCount] = count
	return s
}

// Read ...
func (s *Sink) Read(address uint32, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transaction(address, length); err != nil {
		return nil, err
	}
	s.reads++
	out := make([]byte, length)
	copy(out, s.regs[address:int(address)+length])
	return out, nil
}

// Write ...
func (s *Sink) Write(address uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transaction(address, len(data)); err != nil {
		return err
	}
	for i, v := range data {
		s.store(address+uint32(i), v)
	}
	if address == dpcd.LinkBWSet {
		s.startAttempt()
	}
	if address >= dpcd.LinkBWSet && address <= dpcd.TrainingLane01Set2 {
		s.update()
	}
	return nil
}

func (s *Sink) transaction(address uint32, length int) error {
	if s.unplugged {
		return fmt.Errorf("sink unplugged: %w", dpcd.ErrTransport)
	}
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("aux defer at 0x%04x: %w", address, dpcd.ErrTransport)
	}
	if length <= 0 || length > dpcd.MaxTransferSize || int(address)+length > regSpace {
		return fmt.Errorf("bad transaction 0x%04x/%d: %w", address, length, dpcd.ErrTransport)
	}
	return nil
}

// store applies one register write with its side effects.
func (s *Sink) store(address uint32, v byte) {
	switch address {
	case dpcd.DeviceServiceIRQVector, dpcd.PSRErrorStatus:
		// write one to clear
		s.regs[address] &^= v
		return
	case dpcd.TestResponse:
		s.testResponses = append(s.testResponses, v)
	}
	s.regs[address] = v
}

func (s *Sink) startAttempt() {
	s.configured = link.Settings{
		LaneCount: link.LaneCount(s.regs[dpcd.LaneCountSet] & dpcd.MaxLaneCountMask),
		LinkRate:  link.LinkRate(s.regs[dpcd.LinkBWSet]),
	}
	s.trainAttempts = append(s.trainAttempts, s.configured)
	s.crLocked = false
	s.trained = false
	s.attemptFails = false
	if n := s.transient[s.configured]; n > 0 {
		s.transient[s.configured] = n - 1
		s.attemptFails = true
	}
}

func (s *Sink) lanes() link.LaneCount {
	return link.LaneCount(s.regs[dpcd.LaneCountSet] & dpcd.MaxLaneCountMask)
}

func (s *Sink) trainable() bool {
	cfg := link.Settings{LaneCount: s.lanes(), LinkRate: link.LinkRate(s.regs[dpcd.LinkBWSet])}
	if s.attemptFails || !cfg.LaneCount.Valid() || !cfg.LinkRate.Valid() {
		return false
	}
	ceiling := s.trainableCeiling
	if ceiling.IsUnknown() {
		ceiling = link.Settings{
			LaneCount: link.LaneCount(s.regs[dpcd.MaxLaneCount] & dpcd.MaxLaneCountMask),
			LinkRate:  link.LinkRate(s.regs[dpcd.MaxLinkRate]),
		}
	}
	return cfg.Within(ceiling)
}

// update recomputes lane status and adjust requests from the programmed
// pattern and drive levels.
func (s *Sink) update() {
	n := s.lanes()
	if !n.Valid() {
		return
	}
	pattern := dpcd.TrainingPattern(s.regs[dpcd.TrainingPatternSet] & dpcd.TrainingPatternMk)
	cur := dpcd.DecodeLaneSet(s.regs[dpcd.TrainingLane0Set : dpcd.TrainingLane0Set+uint32(n)])[0]
	req := link.LaneSettings{VoltageSwing: s.requiredSwing, PreEmphasis: s.requiredPreEmph}
	cfg := link.Settings{LaneCount: n, LinkRate: link.LinkRate(s.regs[dpcd.LinkBWSet])}

	switch pattern {
	case dpcd.TrainingPattern1:
		s.trained = false
		switch {
		case s.oscillateSwing:
			req.VoltageSwing = 1
			if cur.VoltageSwing == 1 {
				req.VoltageSwing = 2
			}
			s.crLocked = false
		case s.stuckSwing:
			req.VoltageSwing = cur.VoltageSwing
			s.crLocked = false
		case s.neverCR || !s.trainable():
			req.VoltageSwing = cur.VoltageSwing + 1
			s.crLocked = false
		default:
			s.crLocked = cur.VoltageSwing >= s.requiredSwing
		}
		s.regs[dpcd.LaneAlignStatusUpdated] &^= dpcd.InterlaneAlignDone | dpcd.PostLTAdjReqInProgress
	case dpcd.TrainingPattern2, dpcd.TrainingPattern3:
		if s.dropCRInEQ {
			s.crLocked = false
		}
		s.trained = s.crLocked && cur.PreEmphasis >= s.requiredPreEmph && !s.eqFail[cfg]
	case dpcd.TrainingPatternVideoIdle:
		s.regs[dpcd.LaneAlignStatusUpdated] &^= dpcd.PostLTAdjReqInProgress
		if s.trained && s.regs[dpcd.LaneCountSet]&dpcd.LaneCountPostLTAdjGrant != 0 {
			switch {
			case s.postLTStuck:
				req = cur
				s.regs[dpcd.LaneAlignStatusUpdated] |= dpcd.PostLTAdjReqInProgress
			case s.postLTRequest != nil && cur != *s.postLTRequest:
				req = *s.postLTRequest
				s.regs[dpcd.LaneAlignStatusUpdated] |= dpcd.PostLTAdjReqInProgress
			default:
				req = cur
			}
		} else {
			req = cur
		}
	}
	req = req.Clamp()
	s.writeStatus(n, s.crLocked, s.trained, req)
}

func (s *Sink) writeStatus(n link.LaneCount, cr, eq bool, req link.LaneSettings) {
	var nibble byte
	if cr {
		nibble |= dpcd.LaneCRDone
	}
	if eq {
		nibble |= dpcd.LaneChannelEqDone | dpcd.LaneSymbolLocked
	}
	adj := byte(req.VoltageSwing)&0x03 | (byte(req.PreEmphasis)&0x03)<<2
	s.regs[dpcd.Lane01Status] = 0
	s.regs[dpcd.Lane23Status] = 0
	s.regs[dpcd.AdjustRequestLane01] = 0
	s.regs[dpcd.AdjustRequestLane23] = 0
	for lane := 0; lane < int(n); lane++ {
		shift := 4 * uint(lane%2)
		s.regs[dpcd.Lane01Status+uint32(lane/2)] |= nibble << shift
		s.regs[dpcd.AdjustRequestLane01+uint32(lane/2)] |= adj << shift
	}
	if eq {
		s.regs[dpcd.LaneAlignStatusUpdated] |= dpcd.InterlaneAlignDone
	} else {
		s.regs[dpcd.LaneAlignStatusUpdated] &^= dpcd.InterlaneAlignDone
	}
	s.regs[dpcd.AdjustRequestPostCur2] = 0
}

// SetRequiredDrive sets the drive levels clock recovery and equalization need.
func (s *Sink) SetRequiredDrive(vs link.VoltageSwing, pe link.PreEmphasis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requiredSwing = vs
	s.requiredPreEmph = pe
}

// SetTrainableCeiling makes every attempt above c fail clock recovery.
func (s *Sink) SetTrainableCeiling(c link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainableCeiling = c
}

// FailTransient fails the next n attempts at c.
func (s *Sink) FailTransient(c link.Settings, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient[link.Settings{LaneCount: c.LaneCount, LinkRate: c.LinkRate}] = n
}

// FailEQ makes channel equalization never finish at c.
func (s *Sink) FailEQ(c link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eqFail[link.Settings{LaneCount: c.LaneCount, LinkRate: c.LinkRate}] = true
}

// SetNeverCR makes the sink keep asking for more swing without locking.
func (s *Sink) SetNeverCR(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neverCR = v
}

// SetStuckSwing makes the sink request the swing already programmed.
func (s *Sink) SetStuckSwing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuckSwing = v
}

// SetOscillateSwing makes the sink alternate between swing 1 and 2.
func (s *Sink) SetOscillateSwing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oscillateSwing = v
}

// SetDropCRInEQ makes clock recovery drop once equalization starts.
func (s *Sink) SetDropCRInEQ(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCRInEQ = v
}

// SetPostLTStuck keeps the post-LT adjust request flag raised forever.
func (s *Sink) SetPostLTStuck(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postLTStuck = v
}

// SetPostLTRequest makes the sink ask for l after training until it is programmed.
func (s *Sink) SetPostLTRequest(l link.LaneSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postLTRequest = &l
}

// FailTransactions fails the next n control channel transactions.
func (s *Sink) FailTransactions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetUnplugged ...
func (s *Sink) SetUnplugged(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = v
}

// SetSinkCount ...
func (s *Sink) SetSinkCount(n uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[dpcd.SinkCount] = n & dpcd.SinkCountMask
}

// SetDownstreamChanged raises DOWNSTREAM_PORT_STATUS_CHANGED.
func (s *Sink) SetDownstreamChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[dpcd.LaneAlignStatusUpdated] |= dpcd.DownstreamStatusChange
}

// RegressLane drops clock recovery on lane, as a cable glitch would.
func (s *Sink) RegressLane(lane int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[dpcd.Lane01Status+uint32(lane/2)] &^= dpcd.LaneCRDone << (4 * uint(lane%2))
	s.regs[dpcd.LaneAlignStatusUpdated] |= dpcd.LinkStatusUpdated
	s.trained = false
	s.crLocked = false
}

// RaiseTestRequest posts an automated link training test request.
func (s *Sink) RaiseTestRequest(test byte, target link.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[dpcd.DeviceServiceIRQVector] |= dpcd.AutomatedTestRequest
	s.regs[dpcd.TestRequest] = test
	s.regs[dpcd.TestLinkRate] = byte(target.LinkRate)
	s.regs[dpcd.TestLaneCount] = byte(target.LaneCount)
}

// SetPSRError posts self refresh error bits and the given PSR status.
func (s *Sink) SetPSRError(errBits, status byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[dpcd.PSRErrorStatus] |= errBits
	s.regs[dpcd.PSRStatus] = status
}

// Register returns the raw value at address.
func (s *Sink) Register(address uint32) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[address]
}

// TrainAttempts returns the settings of every attempt started, in order.
func (s *Sink) TrainAttempts() []link.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]link.Settings(nil), s.trainAttempts...)
}

// TestResponses returns what was written to TEST_RESPONSE.
func (s *Sink) TestResponses() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.testResponses...)
}

// Reads ...
func (s *Sink) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type subscription struct {
	once sync.Once
	sink *Sink
	id   int
}

// Cancel ...
func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.sink.mu.Lock()
		defer sub.sink.mu.Unlock()
		delete(sub.sink.handlers, sub.id)
	})
}

// Subscribe registers fn for short-pulse interrupts.
func (s *Sink) Subscribe(fn func()) monitor.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[s.nextID] = fn
	return &subscription{sink: s, id: s.nextID}
}

// Subscribers ...
func (s *Sink) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// PulseIRQ delivers a short-pulse interrupt to every subscriber.
func (s *Sink) PulseIRQ() {
	s.mu.Lock()
	handlers := make([]func(), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	glog.V(2).Infof("sim: irq to %d handlers", len(handlers))
	for _, h := range handlers {
		h()
	}
}
