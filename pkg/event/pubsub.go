package event

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Subscriber ...
type Subscriber interface {
	Notify(e Event)
	Topic() Kind
	ID() string
}

// Notifier is what links publish through.
type Notifier interface {
	Notify(e Event)
}

// StateNotifier fans events out to registered subscribers.
type StateNotifier struct {
	sync.Mutex
	Subscribers map[string]Subscriber
}

// Register ...
func (n *StateNotifier) Register(s Subscriber) {
	id := fmt.Sprintf("%s_%s", s.Topic(), s.ID())
	n.Lock()
	defer n.Unlock()
	n.Subscribers[id] = s
}

// Unregister ...
func (n *StateNotifier) Unregister(s Subscriber) {
	id := fmt.Sprintf("%s_%s", s.Topic(), s.ID())
	n.Lock()
	defer n.Unlock()
	delete(n.Subscribers, id)
}

// Notify delivers e to every subscriber of its kind and to All subscribers.
// Delivery is asynchronous; a slow subscriber never blocks the link.
func (n *StateNotifier) Notify(e Event) {
	glog.Infof("event: %s", e)
	n.Lock()
	defer n.Unlock()
	for _, o := range n.Subscribers {
		if o.Topic() == e.Kind || o.Topic() == All {
			go o.Notify(e)
		}
	}
}

// NewStateNotifier ...
func NewStateNotifier() *StateNotifier {
	return &StateNotifier{
		Subscribers: make(map[string]Subscriber),
	}
}

// ChanSubscriber forwards events to a buffered channel, dropping when full.
type ChanSubscriber struct {
	id    string
	topic Kind
	C     chan Event
}

// NewChanSubscriber ...
func NewChanSubscriber(id string, topic Kind, size int) *ChanSubscriber {
	return &ChanSubscriber{id: id, topic: topic, C: make(chan Event, size)}
}

// Notify ...
func (c *ChanSubscriber) Notify(e Event) {
	select {
	case c.C <- e:
	default:
		glog.Warningf("subscriber %s: channel full, dropping %s", c.id, e)
	}
}

// Topic ...
func (c *ChanSubscriber) Topic() Kind {
	return c.topic
}

// ID ...
func (c *ChanSubscriber) ID() string {
	return c.id
}
