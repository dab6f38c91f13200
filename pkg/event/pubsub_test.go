package event_test

import (
	"testing"
	"time"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/event"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c chan event.Event) event.Event {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no event delivered")
	}
	return event.Event{}
}

func TestNotifyByTopic(t *testing.T) {
	n := event.NewStateNotifier()
	retrain := event.NewChanSubscriber("retrain", event.NeedsRetrain, 4)
	all := event.NewChanSubscriber("all", event.All, 4)
	n.Register(retrain)
	n.Register(all)

	n.Notify(event.New("DP-1", event.ConnectivityChanged, link.Unknown, ""))
	e := receive(t, all.C)
	assert.Equal(t, event.ConnectivityChanged, e.Kind)
	assert.Len(t, retrain.C, 0)

	n.Notify(event.New("DP-1", event.NeedsRetrain, link.FailSafe, "lane 0 lost CR"))
	e = receive(t, retrain.C)
	assert.Equal(t, "DP-1", e.Link)
	assert.Equal(t, "DP-1 needs_retrain 1xRBR (lane 0 lost CR)", e.String())
	receive(t, all.C)
}

func TestUnregister(t *testing.T) {
	n := event.NewStateNotifier()
	s := event.NewChanSubscriber("x", event.All, 1)
	n.Register(s)
	assert.Len(t, n.Subscribers, 1)
	n.Unregister(s)
	assert.Len(t, n.Subscribers, 0)
	n.Notify(event.New("DP-1", event.LinkFailed, link.Unknown, ""))
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, s.C, 0)
}

func TestChanSubscriberDropsWhenFull(t *testing.T) {
	s := event.NewChanSubscriber("x", event.All, 1)
	s.Notify(event.New("DP-1", event.PSRRecover, link.Unknown, ""))
	s.Notify(event.New("DP-1", event.PSRRecover, link.Unknown, ""))
	assert.Len(t, s.C, 1)
}
