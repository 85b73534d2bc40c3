package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaumanvienna/pamanager/bridge/bridgetest"
	"github.com/beaumanvienna/pamanager/events"
	"github.com/beaumanvienna/pamanager/internal/testutils"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) add(e events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

// take returns and forgets the events recorded so far.
func (r *recorder) take() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.evs
	r.evs = nil
	return evs
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evs {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

type harness struct {
	srv *bridgetest.Server
	m   *Manager
	rec *recorder
	log *testutils.TestLogBackend
}

func newHarness(t *testing.T, srv *bridgetest.Server, opts ...Option) *harness {
	t.Helper()
	log, bknd := testutils.TestLoggerCapture(t, "PAMG")
	opts = append([]Option{WithLogger(log)}, opts...)
	h := &harness{
		srv: srv,
		m:   New(srv, opts...),
		rec: &recorder{},
		log: bknd,
	}
	h.m.SetCallback(h.rec.add)
	return h
}

// connect runs a full connection handshake and initial sync.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.connect())
	h.srv.Drain()
	require.NoError(t, h.m.sessionErr)
}

// twoSinks is a server with one source and sinks a (40%, default) and b (60%).
func twoSinks() *bridgetest.Server {
	srv := bridgetest.NewServer()
	srv.AddSource(bridgetest.Source(1, "mic", "Microphone"))
	srv.AddSink(bridgetest.Sink(5, "a", "Speakers", 40))
	srv.AddSink(bridgetest.Sink(7, "b", "Headphones", 60))
	return srv
}

func TestStartupSync(t *testing.T) {
	h := newHarness(t, twoSinks())
	assert.False(t, h.m.IsReady())
	h.connect(t)

	assert.Equal(t, []events.Event{
		events.InputDeviceListChanged{Count: 1},
		events.OutputDeviceListChanged{Count: 2},
		events.Ready{},
	}, h.rec.take())
	assert.True(t, h.m.IsReady())
	assert.Equal(t, []string{"Microphone"}, h.m.GetInputDeviceList())
	assert.Equal(t, []string{"Speakers", "Headphones"}, h.m.GetOutputDeviceList())
	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Equal(t, "Microphone", h.m.GetDefaultInputDevice())
	assert.Equal(t, 40, h.m.GetVolume())
}

func TestReadyOncePerConnection(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	require.Equal(t, 1, h.rec.count(events.KindReady))

	h.srv.SetSinkVolume("a", 55)
	h.srv.SetSinkVolume("a", 56)
	h.srv.SetDefault("b")
	h.srv.Drain()
	h.m.SetVolume(30)
	h.srv.Drain()

	assert.Equal(t, 1, h.rec.count(events.KindReady))
	assert.True(t, h.m.IsReady())
}

func TestReadyWithoutSinks(t *testing.T) {
	srv := bridgetest.NewServer()
	srv.AddSource(bridgetest.Source(1, "mic", "Microphone"))
	h := newHarness(t, srv)
	h.connect(t)

	assert.Equal(t, []events.Event{
		events.InputDeviceListChanged{Count: 1},
		events.Ready{},
	}, h.rec.take())
	assert.Equal(t, "", h.m.GetDefaultOutputDevice())
	assert.Empty(t, h.m.GetOutputDeviceList())
}

func TestRepeatedRowsAreIdempotent(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	// Same volume: the server still reports a change and we re-read the row.
	h.srv.SetSinkVolume("a", 40)
	h.srv.Drain()

	assert.Empty(t, h.rec.take())
	assert.Equal(t, []string{"Speakers", "Headphones"}, h.m.GetOutputDeviceList())
}

func TestExternalVolumeChange(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.SetSinkVolume("a", 70)
	h.srv.Drain()

	assert.Equal(t, []events.Event{
		events.OutputDeviceVolumeChanged{Volume: 70},
	}, h.rec.take())
	assert.Equal(t, 70, h.m.GetVolume())

	// Volume of a non-default output is cached without an event.
	h.srv.SetSinkVolume("b", 10)
	h.srv.Drain()
	assert.Empty(t, h.rec.take())
}

func TestLocalVolumeChangeIsNotEchoed(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.m.SetVolume(25)
	h.srv.Drain()

	assert.Empty(t, h.rec.take())
	assert.Equal(t, 25, h.m.GetVolume())
	assert.Equal(t, 25, h.srv.SinkVolume("a"))

	// A later external change is still reported.
	h.srv.SetSinkVolume("a", 30)
	h.srv.Drain()
	assert.Equal(t, []events.Event{
		events.OutputDeviceVolumeChanged{Volume: 30},
	}, h.rec.take())
}

func TestSetVolumeClamps(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.m.SetVolume(150)
	h.srv.Drain()

	assert.Equal(t, 100, h.srv.SinkVolume("a"))
	assert.Equal(t, 100, h.m.GetVolume())
	assert.Contains(t, h.log.String(), "volume 150% out of range, using 100%")
	assert.Empty(t, h.rec.take())

	h.m.SetVolume(-5)
	h.srv.Drain()
	assert.Equal(t, 0, h.srv.SinkVolume("a"))
}

func TestSetVolumeWithoutOutput(t *testing.T) {
	h := newHarness(t, bridgetest.NewServer())
	h.connect(t)

	h.m.SetVolume(50)
	h.srv.Drain()

	assert.Equal(t, 0, h.srv.Calls(bridgetest.OpGetVolume))
	assert.Contains(t, h.log.String(), "no default output device")
}

func TestSetVolumeWriteFailure(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.FailNext(bridgetest.OpSetVolume, errors.New("access denied"))
	h.m.SetVolume(10)
	h.srv.Drain()

	assert.Empty(t, h.rec.take())
	assert.Equal(t, 40, h.m.GetVolume())
	assert.Equal(t, 40, h.srv.SinkVolume("a"))
	assert.Contains(t, h.log.String(), "[set volume]: access denied")

	h.m.mu.RLock()
	assert.Empty(t, h.m.trk.pendingVolumes)
	h.m.mu.RUnlock()
}

func TestOverlappingVolumeWritesAreNotEchoed(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.m.SetVolume(42)
	require.NoError(t, h.srv.PumpEvents(0)) // read before writing
	require.NoError(t, h.srv.PumpEvents(0)) // write 42
	h.m.SetVolume(44)
	h.srv.Drain()

	assert.Empty(t, h.rec.take())
	assert.Equal(t, 44, h.m.GetVolume())
	assert.Equal(t, 44, h.srv.SinkVolume("a"))
	h.m.mu.RLock()
	assert.Empty(t, h.m.trk.pendingVolumes)
	h.m.mu.RUnlock()

	// Both writes queued before either is read back.
	h.m.SetVolume(10)
	h.m.SetVolume(12)
	h.srv.Drain()
	assert.Empty(t, h.rec.take())
	assert.Equal(t, 12, h.m.GetVolume())
}

func TestSetVolumeReadRefreshesCache(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	// Another client moved the volume and its notification is still queued
	// when our read before writing arrives.
	h.srv.SetSinkVolume("a", 70)
	h.m.SetVolume(20)
	require.NoError(t, h.srv.PumpEvents(0))

	assert.Equal(t, []events.Event{
		events.OutputDeviceVolumeChanged{Volume: 70},
	}, h.rec.take())
	assert.Equal(t, 70, h.m.GetVolume())

	h.srv.Drain()
	assert.Empty(t, h.rec.take())
	assert.Equal(t, 20, h.m.GetVolume())
}

func TestSetOutputDeviceIsNotEchoed(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.m.SetOutputDevice("Headphones")
	assert.Equal(t, "Headphones", h.m.GetDefaultOutputDevice(), "position is recorded immediately")
	assert.Equal(t, 60, h.m.GetVolume(), "cached volume of the new device")
	h.srv.Drain()

	assert.Empty(t, h.rec.take())
	assert.Equal(t, "b", h.srv.DefaultSink())
	assert.Equal(t, "Headphones", h.m.GetDefaultOutputDevice())
	assert.Equal(t, 60, h.m.GetVolume())
}

func TestStaleDefaultDuringSwitchIsIgnored(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	// A sink change leaves a default refresh in flight that predates the
	// switch below.
	h.srv.SetSinkVolume("b", 65)
	require.NoError(t, h.srv.PumpEvents(0))
	require.NoError(t, h.srv.PumpEvents(0))
	require.Equal(t, 1, h.srv.Pending(), "default refresh queued")

	h.m.SetOutputDevice("Headphones")
	h.srv.Drain()

	assert.Empty(t, h.rec.take())
	assert.Equal(t, "b", h.srv.DefaultSink())
	assert.Equal(t, "Headphones", h.m.GetDefaultOutputDevice())
	assert.Equal(t, 65, h.m.GetVolume())

	// Once acknowledged, external switches are reported again.
	h.srv.SetDefault("a")
	h.srv.Drain()
	assert.Equal(t, []events.Event{
		events.OutputDeviceChanged{Description: "Speakers"},
		events.OutputDeviceVolumeChanged{Volume: 40},
	}, h.rec.take())
}

func TestSetOutputDeviceUnknown(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)

	h.m.SetOutputDevice("Nope")
	h.m.SetOutputDevicePosition(2)
	h.m.SetOutputDevicePosition(-1)
	h.srv.Drain()

	assert.Equal(t, 0, h.srv.Calls(bridgetest.OpSetDefaultSink))
	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Contains(t, h.log.String(), `no output device "Nope"`)
}

func TestSetOutputDeviceRefused(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.RefuseNext(bridgetest.OpSetDefaultSink, errors.New("queue full"))
	h.m.SetOutputDevice("Headphones")
	h.srv.Drain()

	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Equal(t, 40, h.m.GetVolume())
	assert.Equal(t, "a", h.srv.DefaultSink())

	// The next external change must not be swallowed as an echo.
	h.srv.SetSinkVolume("a", 45)
	h.srv.Drain()
	assert.Equal(t, []events.Event{
		events.OutputDeviceVolumeChanged{Volume: 45},
	}, h.rec.take())
}

func TestRefusedSwitchKeepsConcurrentVolumeRequest(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.RefuseNext(bridgetest.OpSetDefaultSink, errors.New("queue full"))
	h.srv.BeforeNext(bridgetest.OpSetDefaultSink, func() {
		h.m.SetVolume(25)
	})
	h.m.SetOutputDevice("Headphones")
	h.srv.Drain()

	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Equal(t, 25, h.srv.SinkVolume("b"), "volume request made during the switch survives")
	assert.Equal(t, 40, h.srv.SinkVolume("a"))
	assert.Empty(t, h.rec.take())
}

func TestSetOutputDeviceAckFailureResyncs(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.FailNext(bridgetest.OpSetDefaultSink, errors.New("access denied"))
	h.m.SetOutputDevice("Headphones")
	h.srv.Drain()

	// The server kept its default, so the tracked output moves back.
	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Equal(t, []events.Event{
		events.OutputDeviceChanged{Description: "Speakers"},
		events.OutputDeviceVolumeChanged{Volume: 40},
	}, h.rec.take())
}

func TestExternalDefaultChange(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.SetDefault("b")
	h.srv.Drain()

	assert.Equal(t, []events.Event{
		events.OutputDeviceChanged{Description: "Headphones"},
		events.OutputDeviceVolumeChanged{Volume: 60},
	}, h.rec.take())
	assert.Equal(t, "Headphones", h.m.GetDefaultOutputDevice())
}

func TestCycleNextOutputDeviceWraps(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.m.CycleNextOutputDevice()
	h.srv.Drain()
	assert.Equal(t, "b", h.srv.DefaultSink())
	assert.Equal(t, "Headphones", h.m.GetDefaultOutputDevice())

	h.m.CycleNextOutputDevice()
	h.srv.Drain()
	assert.Equal(t, "a", h.srv.DefaultSink())
	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Empty(t, h.rec.take())
}

func TestCycleNextOutputDeviceWrapsFromLast(t *testing.T) {
	srv := twoSinks()
	srv.AddSink(bridgetest.Sink(9, "c", "HDMI", 80))
	srv.SetDefault("c")
	h := newHarness(t, srv)
	h.connect(t)
	h.rec.take()
	require.Equal(t, "HDMI", h.m.GetDefaultOutputDevice())

	h.m.CycleNextOutputDevice()
	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
	assert.Equal(t, 40, h.m.GetVolume())
	srv.Drain()

	assert.Equal(t, "a", srv.DefaultSink())
	assert.Empty(t, h.rec.take())
}

func TestCycleWithoutOutputs(t *testing.T) {
	h := newHarness(t, bridgetest.NewServer())
	h.connect(t)

	h.m.CycleNextOutputDevice()
	assert.Equal(t, 0, h.srv.Calls(bridgetest.OpSetDefaultSink))
}

func TestListChangedOncePerCountChange(t *testing.T) {
	h := newHarness(t, twoSinks())
	h.connect(t)
	h.rec.take()

	h.srv.AddSink(bridgetest.Sink(9, "c", "HDMI", 80))
	h.srv.Drain()
	assert.Equal(t, []events.Event{
		events.OutputDeviceListChanged{Count: 3},
	}, h.rec.take())

	h.srv.SetSinkVolume("c", 20)
	h.srv.Drain()
	assert.Empty(t, h.rec.take())

	h.srv.AddSource(bridgetest.Source(2, "line", "Line In"))
	h.srv.Drain()
	assert.Equal(t, []events.Event{
		events.InputDeviceListChanged{Count: 2},
	}, h.rec.take())
	assert.Equal(t, []string{"Microphone", "Line In"}, h.m.GetInputDeviceList())
}

func TestRemoveThenSelectByPosition(t *testing.T) {
	srv := bridgetest.NewServer()
	srv.AddSink(bridgetest.Sink(5, "five", "Five", 50))
	srv.AddSink(bridgetest.Sink(7, "seven", "Seven", 50))
	srv.AddSink(bridgetest.Sink(9, "nine", "Nine", 50))
	h := newHarness(t, srv)
	h.connect(t)
	h.rec.take()

	srv.RemoveSink(7)
	srv.Drain()
	assert.Equal(t, []events.Event{
		events.OutputDeviceListChanged{Count: 2},
	}, h.rec.take())
	assert.Equal(t, []string{"Five", "Nine"}, h.m.GetOutputDeviceList())

	h.m.SetOutputDevicePosition(1)
	srv.Drain()
	assert.Equal(t, "nine", srv.DefaultSink())
	assert.Equal(t, "Nine", h.m.GetDefaultOutputDevice())
}

func TestRemoveBeforeDefaultKeepsDefault(t *testing.T) {
	srv := twoSinks()
	srv.AddSink(bridgetest.Sink(9, "c", "HDMI", 80))
	srv.SetDefault("c")
	h := newHarness(t, srv)
	h.connect(t)
	h.rec.take()
	require.Equal(t, "HDMI", h.m.GetDefaultOutputDevice())

	srv.RemoveSink(5)
	srv.Drain()

	assert.Equal(t, []events.Event{
		events.OutputDeviceListChanged{Count: 2},
	}, h.rec.take())
	assert.Equal(t, "HDMI", h.m.GetDefaultOutputDevice())
}

func TestRemoveDefaultOutput(t *testing.T) {
	srv := twoSinks()
	srv.SetDefault("b")
	h := newHarness(t, srv)
	h.connect(t)
	h.rec.take()
	require.Equal(t, "Headphones", h.m.GetDefaultOutputDevice())

	srv.RemoveSink(7)
	srv.Drain()

	assert.Equal(t, []events.Event{
		events.OutputDeviceListChanged{Count: 1},
		events.OutputDeviceChanged{Description: "Speakers"},
		events.OutputDeviceVolumeChanged{Volume: 40},
	}, h.rec.take())
	assert.Equal(t, "Speakers", h.m.GetDefaultOutputDevice())
}

func TestCallbackSlotLastWriteWins(t *testing.T) {
	h := newHarness(t, twoSinks())
	second := &recorder{}
	h.m.SetCallback(second.add)
	h.connect(t)

	assert.Empty(t, h.rec.take())
	assert.Equal(t, 1, second.count(events.KindReady))

	h.m.SetCallback(nil)
	h.srv.SetSinkVolume("a", 90)
	assert.NotPanics(t, func() { h.srv.Drain() })
}

func TestVerboseLogsProperties(t *testing.T) {
	h := newHarness(t, twoSinks(), WithVerbose(true))
	h.connect(t)

	assert.Contains(t, h.log.String(), `device.description = "Speakers"`)

	h.m.LogDeviceLists()
	out := h.log.String()
	assert.Contains(t, out, "2 output devices")
	assert.Contains(t, out, "* 0: Speakers (#5, a, 40%)")
	assert.Contains(t, out, "  1: Headphones (#7, b, 60%)")
	assert.Contains(t, out, "* 0: Microphone (#1, mic)")
}

func TestConnectFailureEndsSession(t *testing.T) {
	srv := twoSinks()
	h := newHarness(t, srv)

	srv.FailNext(bridgetest.OpConnect, errors.New("connection refused"))
	require.NoError(t, h.m.connect())
	srv.Drain()

	assert.ErrorContains(t, h.m.sessionErr, "connection refused")
	assert.False(t, h.m.IsReady())
}

func TestRunReconnectsAndResets(t *testing.T) {
	srv := twoSinks()
	h := newHarness(t, srv,
		WithPollInterval(time.Millisecond),
		WithReconnectDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.m.Start(ctx)
	h.m.Start(ctx)

	require.Eventually(t, h.m.IsReady, time.Second, time.Millisecond)

	srv.Break(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return h.rec.count(events.KindReady) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, 2, srv.Calls(bridgetest.OpConnect))
	assert.Equal(t, []string{"Speakers", "Headphones"}, h.m.GetOutputDeviceList())
	assert.Equal(t, 1, h.rec.count(events.KindOutputDeviceListChanged),
		"unchanged counts are not reported again")
}

func TestRunWithoutReconnectReturnsError(t *testing.T) {
	srv := twoSinks()
	h := newHarness(t, srv,
		WithPollInterval(time.Millisecond),
		WithReconnectDelay(0))

	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Run(context.Background()) }()
	require.Eventually(t, h.m.IsReady, time.Second, time.Millisecond)

	wantErr := errors.New("connection reset")
	srv.Break(wantErr)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, wantErr)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := twoSinks()
	h := newHarness(t, srv, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Run(ctx) }()
	require.Eventually(t, h.m.IsReady, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Error(t, srv.EnumerateSinks(nil, nil), "bridge is closed on return")
}
