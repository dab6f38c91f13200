// Package state tracks the stream state of every display so the interrupt
// path can tell whether a link is settled, mid-transition or powered down.
package state

import (
	"fmt"
	"sort"
	"sync"
)

// StreamState ...
type StreamState int

const (
	// Disabled ... no stream on the link
	Disabled StreamState = iota
	// Enabling ... stream enable in progress, link being trained
	Enabling
	// Active ... stream running on a trained link
	Active
	// Retraining ... link being retrained under an active stream
	Retraining
	// PowerSave ... link powered down with the stream parked
	PowerSave
	// Disabling ... stream teardown in progress
	Disabling
)

func (s StreamState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabling:
		return "enabling"
	case Active:
		return "active"
	case Retraining:
		return "retraining"
	case PowerSave:
		return "power_save"
	case Disabling:
		return "disabling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transitional reports whether the link is between two settled states.
// Interrupts seen in a transitional state are deferred.
func (s StreamState) Transitional() bool {
	return s == Enabling || s == Retraining || s == Disabling
}

type streamStates struct {
	mu   sync.RWMutex
	name map[string]StreamState
}

type psrStates struct {
	mu   sync.RWMutex
	name map[string]bool
}

// SharedState is the registry shared between links, the daemon's readiness
// check and the debug dump.
type SharedState struct {
	streams *streamStates
	psr     *psrStates
}

// NewSharedState creates a new SharedState.
func NewSharedState() *SharedState {
	return &SharedState{
		streams: &streamStates{
			name: map[string]StreamState{},
		},
		psr: &psrStates{
			name: map[string]bool{},
		},
	}
}

// GetStream returns the stream state for the given display, Disabled when unknown.
func (s *SharedState) GetStream(display string) StreamState {
	if s.streams == nil {
		return Disabled // avoid panic
	}
	s.streams.mu.RLock()
	defer s.streams.mu.RUnlock()
	return s.streams.name[display]
}

// SetStream sets the stream state for the given display.
// Returns an error if the display name is empty.
func (s *SharedState) SetStream(display string, st StreamState) error {
	if display == "" {
		return fmt.Errorf("display name cannot be empty")
	}
	if s.streams == nil {
		return fmt.Errorf("stream state is nil")
	}
	s.streams.mu.Lock()
	defer s.streams.mu.Unlock()
	s.streams.name[display] = st
	return nil
}

// DeleteStream forgets the given display.
func (s *SharedState) DeleteStream(display string) {
	if s.streams == nil {
		return
	}
	s.streams.mu.Lock()
	defer s.streams.mu.Unlock()
	delete(s.streams.name, display)
	if s.psr != nil {
		s.psr.mu.Lock()
		delete(s.psr.name, display)
		s.psr.mu.Unlock()
	}
}

// Displays returns the known display names, sorted.
func (s *SharedState) Displays() []string {
	if s.streams == nil {
		return nil
	}
	s.streams.mu.RLock()
	defer s.streams.mu.RUnlock()
	out := make([]string, 0, len(s.streams.name))
	for n := range s.streams.name {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AllIn reports whether every known display is in st. False when none are known.
func (s *SharedState) AllIn(st StreamState) bool {
	if s.streams == nil {
		return false
	}
	s.streams.mu.RLock()
	defer s.streams.mu.RUnlock()
	if len(s.streams.name) == 0 {
		return false
	}
	for _, v := range s.streams.name {
		if v != st {
			return false
		}
	}
	return true
}

// IsPSRActive ...
func (s *SharedState) IsPSRActive(display string) bool {
	if s.psr == nil {
		return false
	}
	s.psr.mu.RLock()
	defer s.psr.mu.RUnlock()
	return s.psr.name[display]
}

// SetPSRActive ...
func (s *SharedState) SetPSRActive(display string, active bool) error {
	if display == "" {
		return fmt.Errorf("display name cannot be empty")
	}
	if s.psr == nil {
		return fmt.Errorf("psr state is nil")
	}
	s.psr.mu.Lock()
	defer s.psr.mu.Unlock()
	s.psr.name[display] = active
	return nil
}
