package registry

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/practable/logrelay/internal/chanstats"
	"github.com/practable/logrelay/internal/logevent"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	var ignore bytes.Buffer
	log.SetOutput(bufio.NewWriter(&ignore))
	os.Exit(m.Run())
}

func receive(t *testing.T, ch chan logevent.Message) []logevent.LogEvent {
	select {
	case msg, ok := <-ch:
		assert.True(t, ok, "channel closed")
		events, err := msg.Events()
		assert.NoError(t, err)
		return events
	default:
		return nil
	}
}

func TestAddRemoveCount(t *testing.T) {

	r := New([]string{"default"})
	assert.Equal(t, 0, r.Count())

	a := make(chan logevent.Message, 1)
	b := make(chan logevent.Message, 1)

	assert.NoError(t, r.Add("a", a, Info{}))
	assert.NoError(t, r.Add("b", b, Info{}))
	assert.Equal(t, 2, r.Count())

	ns, err := r.Namespaces("a")
	assert.NoError(t, err)
	assert.Equal(t, []string{"default"}, ns)

	r.Remove("a")
	assert.Equal(t, 1, r.Count())

	_, ok := <-a
	assert.False(t, ok, "send channel should be closed on remove")

	// removing again has no effect
	r.Remove("a")
	r.Remove("never-added")
	assert.Equal(t, 1, r.Count())
}

func TestDuplicateAdd(t *testing.T) {

	r := New(nil)
	a := make(chan logevent.Message, 1)

	assert.NoError(t, r.Add("a", a, Info{}))
	assert.NoError(t, r.SetFilter("a", []string{"x"}))

	err := r.Add("a", make(chan logevent.Message, 1), Info{})
	assert.True(t, errors.Is(err, ErrDuplicateSubscriber))
	assert.Equal(t, 1, r.Count())

	// original entry untouched
	ns, err := r.Namespaces("a")
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, ns)
}

func TestSetFilterUnknown(t *testing.T) {
	r := New(nil)
	err := r.SetFilter("nobody", []string{"a"})
	assert.True(t, errors.Is(err, ErrUnknownSubscriber))

	_, err = r.Namespaces("nobody")
	assert.True(t, errors.Is(err, ErrUnknownSubscriber))
}

func TestBroadcastFilters(t *testing.T) {

	r := New([]string{"default"})

	x := make(chan logevent.Message, 4)
	y := make(chan logevent.Message, 4)
	z := make(chan logevent.Message, 4)

	assert.NoError(t, r.Add("x", x, Info{}))
	assert.NoError(t, r.Add("y", y, Info{}))
	assert.NoError(t, r.Add("z", z, Info{}))

	assert.NoError(t, r.SetFilter("y", []string{"ns-a"}))
	assert.NoError(t, r.SetFilter("z", []string{})) // everything

	events := []logevent.LogEvent{
		{Timestamp: "t1", Namespace: "default", Log: "hello"},
		{Timestamp: "t2", Namespace: "ns-a", Log: "world"},
		{Timestamp: "t3", Namespace: "ns-b", Log: "!"},
	}

	delivered, dropped := r.Broadcast(events)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 0, dropped)

	assert.Equal(t, events[0:1], receive(t, x))
	assert.Equal(t, events[1:2], receive(t, y))
	assert.Equal(t, events, receive(t, z))

	// nothing for x in this batch, so no empty message is sent
	delivered, _ = r.Broadcast(events[1:2])
	assert.Equal(t, 2, delivered)
	assert.Nil(t, receive(t, x))
	assert.Equal(t, events[1:2], receive(t, y))
	assert.Equal(t, events[1:2], receive(t, z))
}

func TestBroadcastDoesNotBlock(t *testing.T) {

	r := New(nil)

	slow := make(chan logevent.Message) // never read
	fast := make(chan logevent.Message, 10)

	assert.NoError(t, r.Add("slow", slow, Info{}))
	assert.NoError(t, r.Add("fast", fast, Info{}))

	events := []logevent.LogEvent{{Timestamp: "t1", Namespace: "default", Log: "hello"}}

	delivered, dropped := r.Broadcast(events)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, events, receive(t, fast))

	reports := r.Reports()
	assert.Equal(t, 2, len(reports))
	assert.Equal(t, "fast", reports[0].ID)
	assert.Equal(t, "slow", reports[1].ID)
	assert.Equal(t, uint64(1), reports[1].Stats.Rx.Dropped)
}

func TestBroadcastEmpty(t *testing.T) {
	r := New(nil)
	a := make(chan logevent.Message, 1)
	assert.NoError(t, r.Add("a", a, Info{}))
	delivered, dropped := r.Broadcast(nil)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, dropped)
	assert.Nil(t, receive(t, a))
}

func TestSendAndCloseAll(t *testing.T) {

	r := New(nil)

	a := make(chan logevent.Message, 1)
	b := make(chan logevent.Message, 1)
	assert.NoError(t, r.Add("a", a, Info{RemoteAddr: "10.0.0.1", UserAgent: "test"}))
	assert.NoError(t, r.Add("b", b, Info{}))

	status, err := logevent.NewStatus(logevent.UpstreamConnected, "")
	assert.NoError(t, err)

	delivered, dropped := r.Send(status)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, dropped)

	reports := r.Reports()
	assert.Equal(t, "10.0.0.1", reports[0].RemoteAddr)
	assert.Equal(t, "test", reports[0].UserAgent)
	assert.Equal(t, []string{}, reports[0].Namespaces)

	assert.Equal(t, logevent.Status, (<-a).Event)
	assert.Equal(t, logevent.Status, (<-b).Event)

	r.CloseAll()
	assert.Equal(t, 0, r.Count())

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)
}

func TestRemoveLogsTotals(t *testing.T) {

	hook := test.NewGlobal()
	defer hook.Reset()

	r := New(nil)

	stats := chanstats.New()
	stats.Rx.Add(stats.ConnectedAt, 10)
	stats.Rx.Add(stats.ConnectedAt, 20)
	stats.Tx.Add(stats.ConnectedAt, 5)

	a := make(chan logevent.Message)
	assert.NoError(t, r.Add("a", a, Info{Stats: stats}))

	status, err := logevent.NewStatus(logevent.UpstreamConnected, "")
	assert.NoError(t, err)
	_, dropped := r.Send(status)
	assert.Equal(t, 1, dropped)

	r.Remove("a")

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, "subscriber removed", entry.Message)
		assert.Equal(t, "a", entry.Data["id"])
		assert.Equal(t, uint64(2), entry.Data["received"])
		assert.Equal(t, uint64(1), entry.Data["dropped"])
		assert.Equal(t, uint64(1), entry.Data["updates"])
	}
}
