// Package pulsebridge implements bridge.Bridge over the PulseAudio native
// protocol.
package pulsebridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/jfreymuth/pulse/proto"

	"github.com/beaumanvienna/pamanager/bridge"
	"github.com/beaumanvienna/pamanager/device"
)

type Config struct {
	Server          string        `dialsdesc:"PulseAudio server address (empty uses PULSE_SERVER or the per-user socket)"`
	ApplicationName string        `dialsdesc:"Client name announced to the server"`
	QueueSize       int           `dialsdesc:"Maximum number of outstanding requests"`
	PingInterval    time.Duration `dialsdesc:"Idle time after which the connection is probed"`
}

func DefaultConfig() *Config {
	return &Config{
		Server:          "",
		ApplicationName: "pamanager",
		QueueSize:       64,
		PingInterval:    5 * time.Second,
	}
}

// completion is a callback bound to the session that produced it.
type completion struct {
	sess *session
	fn   func()
}

// Bridge talks to a PulseAudio server. Requests are executed in order by one
// worker goroutine per connection; their results are handed to PumpEvents.
type Bridge struct {
	cfg *Config
	log slog.Logger

	completions chan completion

	mu   sync.Mutex
	sess *session
}

// New creates an unconnected bridge.
func New(cfg *Config, log slog.Logger) *Bridge {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Disabled
	}
	def := DefaultConfig()
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Bridge{
		cfg:         cfg,
		log:         log,
		completions: make(chan completion, cfg.QueueSize*4),
	}
}

var _ bridge.Bridge = (*Bridge)(nil)

type session struct {
	b    *Bridge
	reqs chan func(*proto.Client)
	done chan struct{}

	mu      sync.Mutex
	client  *proto.Client
	conn    net.Conn
	onEvent func(bridge.DeviceEvent)
	failed  chan struct{}
	err     error
}

// post queues fn for PumpEvents. It gives up if the session is closed.
func (s *session) post(fn func()) {
	select {
	case s.b.completions <- completion{sess: s, fn: fn}:
	case <-s.done:
	}
}

// fail marks the transport unusable. Only the first error is kept.
func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.failed)
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *session) handleMessage(msg interface{}) {
	var ev proto.SubscribeEvent
	switch msg := msg.(type) {
	case *proto.SubscribeEvent:
		ev = *msg
	case proto.SubscribeEvent:
		ev = msg
	default:
		return
	}
	dev, ok := decodeEvent(ev)
	if !ok {
		return
	}
	s.mu.Lock()
	onEvent := s.onEvent
	s.mu.Unlock()
	if onEvent != nil {
		s.post(func() { onEvent(dev) })
	}
}

// isTransportError reports whether err means the connection is gone, as
// opposed to the server rejecting a single request.
func isTransportError(err error) bool {
	var netErr *net.OpError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr)
}

func (s *session) run(onState func(bridge.State, error)) {
	s.post(func() { onState(bridge.Connecting, nil) })

	// proto.Connect also performs the authentication handshake.
	client, conn, err := proto.Connect(s.b.cfg.Server)
	if err != nil {
		s.post(func() { onState(bridge.Failed, fmt.Errorf("connect to %q: %w", s.b.cfg.Server, err)) })
		return
	}
	s.mu.Lock()
	s.client = client
	s.conn = conn
	s.mu.Unlock()
	select {
	case <-s.done:
		conn.Close()
		return
	default:
	}
	client.Callback = s.handleMessage

	s.post(func() { onState(bridge.SettingName, nil) })
	err = client.Request(&proto.SetClientName{Props: clientProps(s.b.cfg.ApplicationName)},
		&proto.SetClientNameReply{})
	if err != nil {
		s.post(func() { onState(bridge.Failed, fmt.Errorf("set client name: %w", err)) })
		return
	}
	s.b.log.Debugf("Connected to %s", conn.RemoteAddr())
	s.post(func() { onState(bridge.Ready, nil) })

	ping := time.NewTicker(s.b.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.reqs:
			fn(client)
			ping.Reset(s.b.cfg.PingInterval)
		case <-ping.C:
			var rpl proto.GetServerInfoReply
			if err := client.Request(&proto.GetServerInfo{}, &rpl); err != nil {
				s.b.log.Debugf("Ping failed: %v", err)
				if isTransportError(err) {
					s.fail(fmt.Errorf("connection lost: %w", err))
					return
				}
			}
		}
	}
}

func clientProps(appName string) proto.PropList {
	props := proto.PropList{
		"application.name":           proto.PropListString(appName),
		"application.process.id":     proto.PropListString(fmt.Sprint(os.Getpid())),
		"application.process.binary": proto.PropListString(filepath.Base(os.Args[0])),
	}
	if host, err := os.Hostname(); err == nil {
		props["application.process.host"] = proto.PropListString(host)
	}
	return props
}

// Connect closes any previous connection and starts a new one in the
// background. States are reported through PumpEvents.
func (b *Bridge) Connect(onState func(bridge.State, error)) error {
	s := &session{
		b:      b,
		reqs:   make(chan func(*proto.Client), b.cfg.QueueSize),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.sess != nil {
		b.sess.close()
	}
	b.sess = s
	b.mu.Unlock()

	go s.run(onState)
	return nil
}

func (b *Bridge) current() *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess
}

// enqueue hands fn to the worker of the current session.
func (b *Bridge) enqueue(fn func(s *session, c *proto.Client)) error {
	s := b.current()
	if s == nil {
		return bridge.ErrClosed
	}
	if err := s.failure(); err != nil {
		return err
	}
	select {
	case s.reqs <- func(c *proto.Client) { fn(s, c) }:
		return nil
	case <-s.done:
		return bridge.ErrClosed
	default:
		return bridge.ErrQueueFull
	}
}

// request runs req on the worker and posts done with its error.
func (b *Bridge) request(what string, req proto.RequestArgs, rpl proto.Reply, done func(error)) error {
	return b.enqueue(func(s *session, c *proto.Client) {
		err := c.Request(req, rpl)
		if err != nil {
			if isTransportError(err) {
				s.fail(fmt.Errorf("%s: %w", what, err))
			}
			err = fmt.Errorf("%s: %w", what, err)
		}
		s.post(func() { done(err) })
	})
}

func (b *Bridge) EnumerateSources(onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	var rpl proto.GetSourceInfoListReply
	return b.request("list sources", &proto.GetSourceInfoList{}, &rpl, func(err error) {
		if err != nil {
			onComplete(err)
			return
		}
		for _, r := range rpl {
			onRow(sourceInfo(r))
		}
		onComplete(nil)
	})
}

func (b *Bridge) EnumerateSinks(onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	var rpl proto.GetSinkInfoListReply
	return b.request("list sinks", &proto.GetSinkInfoList{}, &rpl, func(err error) {
		if err != nil {
			onComplete(err)
			return
		}
		for _, r := range rpl {
			onRow(sinkInfo(r))
		}
		onComplete(nil)
	})
}

func (b *Bridge) GetDeviceInfo(dir device.Direction, idx device.Index, onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	what := fmt.Sprintf("get %s #%s", dir, idx)
	if dir == device.Input {
		var rpl proto.GetSourceInfoReply
		return b.request(what, &proto.GetSourceInfo{SourceIndex: uint32(idx)}, &rpl, func(err error) {
			if err == nil {
				onRow(sourceInfo(&rpl))
			}
			onComplete(err)
		})
	}
	var rpl proto.GetSinkInfoReply
	return b.request(what, &proto.GetSinkInfo{SinkIndex: uint32(idx)}, &rpl, func(err error) {
		if err == nil {
			onRow(sinkInfo(&rpl))
		}
		onComplete(err)
	})
}

func (b *Bridge) GetServerInfo(onResult func(bridge.ServerInfo, error)) error {
	var rpl proto.GetServerInfoReply
	return b.request("get server info", &proto.GetServerInfo{}, &rpl, func(err error) {
		onResult(bridge.ServerInfo{
			DefaultSinkName:   rpl.DefaultSinkName,
			DefaultSourceName: rpl.DefaultSourceName,
		}, err)
	})
}

func (b *Bridge) Subscribe(mask bridge.Facility, onEvent func(bridge.DeviceEvent)) error {
	s := b.current()
	if s == nil {
		return bridge.ErrClosed
	}
	s.mu.Lock()
	s.onEvent = onEvent
	s.mu.Unlock()

	req := subscribeRequest(mask)
	return b.enqueue(func(s *session, c *proto.Client) {
		if err := c.Request(req, nil); err != nil {
			b.log.Errorf("Subscribe failed: %v", err)
			if isTransportError(err) {
				s.fail(fmt.Errorf("subscribe: %w", err))
			}
		}
	})
}

func (b *Bridge) SetDefaultSink(name string, onAck func(error)) error {
	return b.request("set default sink", &proto.SetDefaultSink{SinkName: name}, nil, onAck)
}

func (b *Bridge) GetVolume(name string, onResult func(bridge.DeviceInfo, error)) error {
	var rpl proto.GetSinkInfoReply
	req := &proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: name}
	return b.request("get sink volume", req, &rpl, func(err error) {
		if err != nil {
			onResult(bridge.DeviceInfo{}, err)
			return
		}
		onResult(sinkInfo(&rpl), nil)
	})
}

func (b *Bridge) SetVolume(name string, values []uint32, onAck func(error)) error {
	req := &proto.SetSinkVolume{
		SinkIndex:      proto.Undefined,
		SinkName:       name,
		ChannelVolumes: proto.ChannelVolumes(values),
	}
	return b.request("set sink volume", req, nil, onAck)
}

// PumpEvents runs pending completions of the current connection, waiting up
// to timeout for the first one.
func (b *Bridge) PumpEvents(timeout time.Duration) error {
	s := b.current()
	if s == nil {
		return bridge.ErrClosed
	}
	if err := s.failure(); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-b.completions:
		b.runCompletion(s, c)
	case <-s.failed:
		return s.failure()
	case <-timer.C:
		return nil
	}

	// Drain what is already queued, without waiting.
	for i := 0; i < cap(b.completions); i++ {
		select {
		case c := <-b.completions:
			b.runCompletion(s, c)
		default:
			return nil
		}
	}
	return nil
}

func (b *Bridge) runCompletion(cur *session, c completion) {
	if c.sess != cur {
		// Result of a connection that has since been replaced.
		return
	}
	c.fn()
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess != nil {
		b.sess.close()
		b.sess = nil
	}
	return nil
}
