package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/practable/logrelay/internal/logevent"
	"github.com/practable/logrelay/internal/registry"
	"github.com/practable/logrelay/internal/upstream"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

var timeout = 500 * time.Millisecond

func TestMain(m *testing.M) {
	var ignore bytes.Buffer
	log.SetOutput(bufio.NewWriter(&ignore))
	os.Exit(m.Run())
}

type fakeConn struct {
	mu      sync.Mutex
	h       upstream.Handlers
	filters [][]string
	closes  int
}

func (c *fakeConn) SendFilter(namespaces []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, namespaces)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

func (c *fakeConn) sentFilters() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string{}, c.filters...)
}

// emit blocks until the relay has taken the events
func (c *fakeConn) emit(events ...logevent.LogEvent) {
	c.h.OnEvent(events)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (f *fakeFactory) Open(ctx context.Context, address string, h upstream.Handlers) (upstream.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &upstream.ConnectionError{Address: address, Err: errors.New("refused")}
	}
	c := &fakeConn{h: h}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) live() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []*fakeConn
	for _, c := range f.conns {
		if !c.isClosed() {
			live = append(live, c)
		}
	}
	return live
}

func (f *fakeFactory) current(t *testing.T) *fakeConn {
	live := f.live()
	if len(live) != 1 {
		t.Fatalf("expected one open upstream connection but have %d", len(live))
	}
	return live[0]
}

func start(t *testing.T) (*Relay, *fakeFactory, context.CancelFunc) {
	f := &fakeFactory{}
	reg := registry.New([]string{"default"})
	r := New(Config{Upstream: "ws://upstream/logs", ReopenMin: 10 * time.Millisecond, ReopenMax: 20 * time.Millisecond}, f, reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, f, cancel
}

func subscribe(t *testing.T, r *Relay, id string) chan logevent.Message {
	ch := make(chan logevent.Message, 16)
	assert.NoError(t, r.Connect(id, ch, registry.Info{}))
	return ch
}

func next(t *testing.T, ch chan logevent.Message) logevent.Message {
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
	}
	return logevent.Message{}
}

func nextEvents(t *testing.T, ch chan logevent.Message) []logevent.LogEvent {
	msg := next(t, ch)
	events, err := msg.Events()
	assert.NoError(t, err)
	return events
}

func nothing(t *testing.T, ch chan logevent.Message) {
	select {
	case msg, ok := <-ch:
		if ok {
			t.Fatalf("unexpected message %s %s", msg.Event, string(msg.Data))
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func assertInvariant(t *testing.T, r *Relay, f *fakeFactory) {
	s := r.Status()
	live := len(f.live())
	assert.True(t, live <= 1, "more than one upstream connection")
	assert.Equal(t, s.Subscribers > 0, s.UpstreamOpen, "upstream open iff subscribers")
	assert.Equal(t, s.Subscribers > 0, live == 1, "live connection iff subscribers")
	if s.Subscribers > 0 {
		assert.Equal(t, Active.String(), s.State)
	} else {
		assert.Equal(t, Idle.String(), s.State)
	}
}

func TestInitialStateIdle(t *testing.T) {
	r, f, cancel := start(t)
	defer cancel()
	assert.Equal(t, Status{State: "idle"}, r.Status())
	assert.Equal(t, 0, f.opened())
}

func TestInvariantHoldsForAnySequence(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	rng := rand.New(rand.NewSource(42))
	connected := []string{}

	for i := 0; i < 200; i++ {
		if len(connected) == 0 || rng.Intn(2) == 0 {
			id := "s" + strconv.Itoa(i)
			ch := make(chan logevent.Message, 16)
			assert.NoError(t, r.Connect(id, ch, registry.Info{}))
			connected = append(connected, id)
		} else {
			j := rng.Intn(len(connected))
			r.Disconnect(connected[j])
			connected = append(connected[:j], connected[j+1:]...)
		}
		assertInvariant(t, r, f)
		assert.Equal(t, len(connected), r.Status().Subscribers)
	}
}

func TestScenarioFirstSubscriberReceivesEvents(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	x := subscribe(t, r, "x")
	assertInvariant(t, r, f)

	event := logevent.LogEvent{Timestamp: "t1", Namespace: "default", Log: "hello"}
	f.current(t).emit(event)

	msg := next(t, x)
	assert.Equal(t, logevent.LogData, msg.Event)
	events, err := msg.Events()
	assert.NoError(t, err)
	assert.Equal(t, []logevent.LogEvent{event}, events)
}

func TestScenarioFilterForwardedUpstream(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "x")
	subscribe(t, r, "y")

	m, err := logevent.NewUpdateNamespaces([]string{"ns-a"})
	assert.NoError(t, err)
	assert.NoError(t, r.UpdateNamespaces("x", m))

	assert.Equal(t, [][]string{{"ns-a"}}, f.current(t).sentFilters())

	ns, err := r.registry.Namespaces("y")
	assert.NoError(t, err)
	assert.Equal(t, []string{"default"}, ns)

	ns, err = r.registry.Namespaces("x")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ns-a"}, ns)
}

func TestFilterSentUpstreamAsApplied(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "x")

	m, err := logevent.NewUpdateNamespaces([]string{"ns-b", "ns-a", "ns-b"})
	assert.NoError(t, err)
	assert.NoError(t, r.UpdateNamespaces("x", m))

	assert.Equal(t, [][]string{{"ns-a", "ns-b"}}, f.current(t).sentFilters())
	assert.Equal(t, []string{"ns-a", "ns-b"}, r.lastFilter)
}

func TestScenarioUpstreamStaysOpenWhileSubscribersRemain(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	x := subscribe(t, r, "x")
	y := subscribe(t, r, "y")
	conn := f.current(t)

	r.Disconnect("x")
	assertInvariant(t, r, f)
	assert.False(t, conn.isClosed())

	_, ok := <-x
	assert.False(t, ok, "x should be closed")

	event := logevent.LogEvent{Timestamp: "t2", Namespace: "default", Log: "still here"}
	conn.emit(event)
	assert.Equal(t, []logevent.LogEvent{event}, nextEvents(t, y))
	assert.Equal(t, 1, f.opened())
}

func TestScenarioLastSubscriberClosesUpstream(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "y")
	first := f.current(t)

	r.Disconnect("y")
	assertInvariant(t, r, f)
	assert.True(t, first.isClosed())

	z := subscribe(t, r, "z")
	assertInvariant(t, r, f)
	assert.Equal(t, 2, f.opened())

	second := f.current(t)
	assert.NotEqual(t, first, second)

	// late events from the first connection are not delivered
	first.emit(logevent.LogEvent{Timestamp: "old", Namespace: "default"})
	nothing(t, z)

	second.emit(logevent.LogEvent{Timestamp: "new", Namespace: "default"})
	assert.Equal(t, "new", nextEvents(t, z)[0].Timestamp)
}

func TestOrderPreserved(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	x := subscribe(t, r, "x")
	y := subscribe(t, r, "y")
	conn := f.current(t)

	for _, ts := range []string{"A", "B", "C"} {
		conn.emit(logevent.LogEvent{Timestamp: ts, Namespace: "default"})
	}

	for _, ch := range []chan logevent.Message{x, y} {
		var got []string
		for i := 0; i < 3; i++ {
			got = append(got, nextEvents(t, ch)[0].Timestamp)
		}
		assert.Equal(t, []string{"A", "B", "C"}, got)
	}
}

func TestJoinMidStreamHasNoBackfill(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	x := subscribe(t, r, "x")
	conn := f.current(t)

	conn.emit(logevent.LogEvent{Timestamp: "before", Namespace: "default"})
	assert.Equal(t, "before", nextEvents(t, x)[0].Timestamp)

	y := subscribe(t, r, "y")
	conn.emit(logevent.LogEvent{Timestamp: "after", Namespace: "default"})

	assert.Equal(t, "after", nextEvents(t, x)[0].Timestamp)
	assert.Equal(t, "after", nextEvents(t, y)[0].Timestamp)
	nothing(t, y)
}

func TestSubscriberFilterApplied(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	x := subscribe(t, r, "x")
	y := subscribe(t, r, "y")

	m, err := logevent.NewUpdateNamespaces([]string{"ns-a"})
	assert.NoError(t, err)
	assert.NoError(t, r.UpdateNamespaces("x", m))

	f.current(t).emit(
		logevent.LogEvent{Timestamp: "1", Namespace: "default"},
		logevent.LogEvent{Timestamp: "2", Namespace: "ns-a"},
	)

	assert.Equal(t, "2", nextEvents(t, x)[0].Timestamp)
	assert.Equal(t, "1", nextEvents(t, y)[0].Timestamp)
	nothing(t, x)
	nothing(t, y)
}

func TestIdempotentRemove(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "x")
	r.Disconnect("x")
	r.Disconnect("x")
	r.Disconnect("never")

	assertInvariant(t, r, f)
	assert.Equal(t, 1, f.opened())
}

func TestDuplicateConnect(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "x")
	err := r.Connect("x", make(chan logevent.Message, 1), registry.Info{})
	assert.True(t, errors.Is(err, registry.ErrDuplicateSubscriber))
	assert.Equal(t, 1, r.Status().Subscribers)
	assert.Equal(t, 1, f.opened())
}

func TestMalformedFilterKeepsPrevious(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "x")

	m, err := logevent.Decode([]byte(`{"event":"update_namespaces","data":"ns-a"}`))
	assert.NoError(t, err)

	err = r.UpdateNamespaces("x", m)
	var mfe *logevent.MalformedFilterError
	assert.True(t, errors.As(err, &mfe))

	ns, err := r.registry.Namespaces("x")
	assert.NoError(t, err)
	assert.Equal(t, []string{"default"}, ns)
	assert.Empty(t, f.current(t).sentFilters())
}

func TestFilterFromUnknownSubscriber(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	subscribe(t, r, "x")

	m, err := logevent.NewUpdateNamespaces([]string{"ns-a"})
	assert.NoError(t, err)

	err = r.UpdateNamespaces("ghost", m)
	assert.True(t, errors.Is(err, registry.ErrUnknownSubscriber))
	assert.Empty(t, f.current(t).sentFilters())
}

func TestUpstreamStatusMessages(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	x := subscribe(t, r, "x")
	conn := f.current(t)

	conn.h.OnConnect()
	msg := next(t, x)
	report, err := msg.Report()
	assert.NoError(t, err)
	assert.Equal(t, logevent.UpstreamConnected, report.Upstream)
	assert.True(t, r.Status().UpstreamConnected)

	conn.h.OnDisconnect(&upstream.ConnectionError{Address: "ws://upstream/logs", Err: errors.New("eof")})
	msg = next(t, x)
	report, err = msg.Report()
	assert.NoError(t, err)
	assert.Equal(t, logevent.UpstreamDisconnected, report.Upstream)
	assert.Contains(t, report.Reason, "eof")
	assert.False(t, r.Status().UpstreamConnected)

	// subscribers stay connected while upstream is down
	assert.Equal(t, 1, r.Status().Subscribers)
	assertInvariant(t, r, f)
}

func TestOpenFailureRetries(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	f.setFail(true)

	x := subscribe(t, r, "x")

	msg := next(t, x)
	report, err := msg.Report()
	assert.NoError(t, err)
	assert.Equal(t, logevent.UpstreamUnavailable, report.Upstream)

	s := r.Status()
	assert.Equal(t, "active", s.State)
	assert.False(t, s.UpstreamOpen)

	f.setFail(false)

	assert.Eventually(t, func() bool { return r.Status().UpstreamOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.opened())
	assertInvariant(t, r, f)
}

func TestOpenFailureRetriesOnNextJoin(t *testing.T) {

	f := &fakeFactory{fail: true}
	reg := registry.New([]string{"default"})
	// long reopen wait, so only a join can trigger the retry
	r := New(Config{Upstream: "ws://upstream/logs", ReopenMin: time.Hour, ReopenMax: time.Hour}, f, reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	subscribe(t, r, "x")
	assert.False(t, r.Status().UpstreamOpen)

	f.setFail(false)
	subscribe(t, r, "y")
	assert.True(t, r.Status().UpstreamOpen)
	assertInvariant(t, r, f)
}

func TestFilterReplayedAfterReopen(t *testing.T) {

	r, f, cancel := start(t)
	defer cancel()

	f.setFail(true)
	subscribe(t, r, "x")

	m, err := logevent.NewUpdateNamespaces([]string{"ns-b"})
	assert.NoError(t, err)
	assert.NoError(t, r.UpdateNamespaces("x", m))

	f.setFail(false)
	assert.Eventually(t, func() bool { return r.Status().UpstreamOpen }, time.Second, 5*time.Millisecond)

	assert.Equal(t, [][]string{{"ns-b"}}, f.current(t).sentFilters())
}

func TestShutdown(t *testing.T) {

	r, f, cancel := start(t)

	x := subscribe(t, r, "x")
	conn := f.current(t)

	cancel()

	select {
	case <-r.Done():
	case <-time.After(timeout):
		t.Fatal("relay did not stop")
	}

	assert.True(t, conn.isClosed())

	_, ok := <-x
	assert.False(t, ok, "subscriber should be closed on shutdown")

	err := r.Connect("late", make(chan logevent.Message, 1), registry.Info{})
	assert.True(t, errors.Is(err, ErrStopped))

	m, err := logevent.NewUpdateNamespaces([]string{"a"})
	assert.NoError(t, err)
	assert.True(t, errors.Is(r.UpdateNamespaces("x", m), ErrStopped))

	r.Disconnect("x") // must not block
	assert.Equal(t, "idle", r.Status().State)

	// late callbacks from the closed upstream must not block
	done := make(chan struct{})
	go func() {
		conn.emit(logevent.LogEvent{Timestamp: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("upstream callback blocked after shutdown")
	}
}
