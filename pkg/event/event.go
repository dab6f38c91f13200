// Package event carries the notifications a link raises to the rest of the
// display stack and the registry that fans them out to subscribers.
package event

import (
	"fmt"
	"time"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
)

// Kind ...
type Kind string

const (
	// NeedsRetrain ... the link lost training and a retrain should be scheduled
	NeedsRetrain Kind = "needs_retrain"
	// ConnectivityChanged ... sink count or downstream port status changed
	ConnectivityChanged Kind = "connectivity_changed"
	// SinkCapabilityReduced ... re-verification settled below the previous verified value
	SinkCapabilityReduced Kind = "sink_capability_reduced"
	// TestRequest ... the sink raised an automated test request
	TestRequest Kind = "test_request"
	// PSRRecover ... self refresh reported an error and was cleared
	PSRRecover Kind = "psr_recover"
	// LinkFailed ... no configuration trains, not even fail-safe
	LinkFailed Kind = "link_failed"
	// All is the topic for subscribers that want every kind
	All Kind = ""
)

// Event ...
type Event struct {
	Link     string
	Kind     Kind
	Settings link.Settings
	Detail   string
	Time     time.Time
}

// New stamps an event for the named link.
func New(name string, kind Kind, settings link.Settings, detail string) Event {
	return Event{
		Link:     name,
		Kind:     kind,
		Settings: settings,
		Detail:   detail,
		Time:     time.Now(),
	}
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s %s", e.Link, e.Kind, e.Settings)
	}
	return fmt.Sprintf("%s %s %s (%s)", e.Link, e.Kind, e.Settings, e.Detail)
}
