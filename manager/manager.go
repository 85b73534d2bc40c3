// Package manager mirrors the audio server's device inventory, default
// devices and output volume, and reports changes to the application.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/beaumanvienna/pamanager/audioshim"
	"github.com/beaumanvienna/pamanager/bridge"
	"github.com/beaumanvienna/pamanager/device"
	"github.com/beaumanvienna/pamanager/errutil"
	"github.com/beaumanvienna/pamanager/events"
)

// Manager owns the device registry and the default/volume tracker. All
// server callbacks run on the goroutine executing Run; the application API
// may be called from any goroutine.
type Manager struct {
	bridge bridge.Bridge
	cfg    config
	log    slog.Logger

	startOnce sync.Once

	mu          sync.RWMutex
	reg         *device.Registry
	trk         tracker
	ready       bool
	sourcesDone bool
	sinksDone   bool
	notified    [2]int

	cbMu     sync.Mutex
	callback func(events.Event)

	// Only accessed by the loop goroutine.
	sessionErr error
}

// New creates a manager that talks to the server through b.
func New(b bridge.Bridge, opts ...Option) *Manager {
	cfg := fillConfig(opts)
	return &Manager{
		bridge:   b,
		cfg:      cfg,
		log:      cfg.log,
		reg:      device.NewRegistry(),
		trk:      newTracker(),
		callback: func(events.Event) {},
	}
}

// Start runs the event loop in a new goroutine. Calls after the first are
// no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go func() {
			err := m.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Errorf("Event loop stopped: %v", err)
			}
		}()
	})
}

// Run connects to the server and services it until ctx is done. When the
// connection fails it resets all mirrored state and reconnects after the
// configured delay, or returns the error if reconnecting is disabled.
func (m *Manager) Run(ctx context.Context) error {
	defer m.bridge.Close()
	for {
		err := m.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errutil.LogError(m.log, "connection", err)
		if m.cfg.reconnectDelay <= 0 {
			return err
		}

		m.reset()
		m.log.Infof("Reconnecting in %s", m.cfg.reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.reconnectDelay):
		}
	}
}

func (m *Manager) runSession(ctx context.Context) error {
	if err := m.connect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := m.bridge.PumpEvents(m.cfg.pollInterval); err != nil {
			return err
		}
		if m.sessionErr != nil {
			return m.sessionErr
		}
	}
}

func (m *Manager) connect() error {
	m.sessionErr = nil
	if err := m.bridge.Connect(m.onStateChange); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// reset forgets everything learned from the previous connection. Notified
// list counts survive so listeners only hear about real differences once the
// new enumeration completes.
func (m *Manager) reset() {
	m.mu.Lock()
	m.reg.Reset()
	m.trk = newTracker()
	m.ready = false
	m.sourcesDone = false
	m.sinksDone = false
	m.mu.Unlock()
}

// request is a bridge call collected while the state lock is held and issued
// after it is released.
type request struct {
	what string
	fn   func() error
	undo func()
}

// effects collects the side effects of one state transition.
type effects struct {
	events   []events.Event
	requests []request
}

func (fx *effects) emit(e events.Event) {
	fx.events = append(fx.events, e)
}

func (fx *effects) request(what string, fn func() error) {
	fx.requests = append(fx.requests, request{what: what, fn: fn})
}

// requestUndo is like request, but undo runs under the state lock if the
// request cannot be issued.
func (fx *effects) requestUndo(what string, fn func() error, undo func()) {
	fx.requests = append(fx.requests, request{what: what, fn: fn, undo: undo})
}

// update runs fn under the state lock, then issues the requests and
// dispatches the events it collected.
func (m *Manager) update(fn func(fx *effects)) {
	var fx effects
	m.mu.Lock()
	fn(&fx)
	m.mu.Unlock()

	for _, r := range fx.requests {
		if err := r.fn(); err != nil {
			errutil.LogError(m.log, r.what, err)
			if r.undo != nil {
				m.mu.Lock()
				r.undo()
				m.mu.Unlock()
			}
		}
	}
	for _, e := range fx.events {
		m.dispatch(e)
	}
}

// IsReady returns true once the first enumeration and volume fetch of the
// current connection have completed.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// GetInputDeviceList returns the input device descriptions in list order.
func (m *Manager) GetInputDeviceList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reg.Descriptions(device.Input)
}

// GetOutputDeviceList returns the output device descriptions in list order.
func (m *Manager) GetOutputDeviceList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reg.Descriptions(device.Output)
}

// LogDeviceLists writes both device lists to the log, marking the defaults.
func (m *Manager) LogDeviceLists() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dir := range []device.Direction{device.Input, device.Output} {
		def := m.trk.inputPos
		if dir == device.Output {
			def = m.trk.outputPos
		}
		devs := m.reg.Devices(dir)
		m.log.Infof("%d %s devices", len(devs), dir)
		for pos, d := range devs {
			mark := " "
			if pos == def {
				mark = "*"
			}
			if dir == device.Output {
				m.log.Infof("%s %d: %s (#%s, %s, %d%%)", mark, pos,
					d.Description, d.Index, d.Name, d.Volume)
			} else {
				m.log.Infof("%s %d: %s (#%s, %s)", mark, pos,
					d.Description, d.Index, d.Name)
			}
		}
	}
}

var _ audioshim.Shim = (*Manager)(nil)
