package midi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"gitlab.com/gomidi/midi/v2"

	"github.com/beaumanvienna/pamanager/audioshim"
)

type Config struct {
	Enabled        bool   `dialsdesc:"Enable the MIDI control surface"`
	Port           string `dialsdesc:"MIDI input port name"`
	VolControl     byte   `dialsdesc:"Controller number of the relative volume knob"`
	NextDeviceNote byte   `dialsdesc:"Note that switches to the next output device"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Port:           "",
		VolControl:     102,
		NextDeviceNote: 20,
	}
}

// Device represents a MIDI input device
type Device struct {
	Name string
}

// rateLimit is the minimum time between two volume updates.
const rateLimit = 50 * time.Millisecond

type MIDI struct {
	mu           sync.RWMutex
	cfg          *Config
	log          slog.Logger
	cancel       context.CancelFunc
	connected    bool
	lastError    string
	currentPort  string
	volumeChan   chan int
	workerCancel context.CancelFunc
}

func NewMIDI(cfg *Config, log slog.Logger) *MIDI {
	if log == nil {
		log = slog.Disabled
	}
	return &MIDI{
		cfg:        cfg,
		log:        log,
		volumeChan: make(chan int, 100), // Buffered channel for non-blocking sends
	}
}

// GetDevices returns a list of available MIDI input devices
func GetDevices() []Device {
	ports := midi.GetInPorts()
	devices := make([]Device, len(ports))
	for i, port := range ports {
		devices[i] = Device{Name: port.String()}
	}
	return devices
}

// startVolumeWorker starts a goroutine that applies volume deltas with rate
// limiting. Deltas arriving while the timer runs are accumulated.
func (m *MIDI) startVolumeWorker(ctx context.Context, shim audioshim.Shim) {
	workerCtx, cancel := context.WithCancel(ctx)
	m.workerCancel = cancel

	go func() {
		accumulator := 0

		timer := time.NewTimer(rateLimit)
		timer.Stop() // Started on the first delta
		timerActive := false

		for {
			select {
			case <-workerCtx.Done():
				timer.Stop()
				return

			case delta := <-m.volumeChan:
				accumulator += delta
				if !timerActive {
					m.applyVolume(shim, &accumulator)
					timer.Reset(rateLimit)
					timerActive = true
				}

			case <-timer.C:
				if accumulator != 0 {
					m.applyVolume(shim, &accumulator)
					timer.Reset(rateLimit)
				} else {
					timerActive = false
				}
			}
		}
	}()
}

// applyVolume moves the output volume by the accumulated delta
func (m *MIDI) applyVolume(shim audioshim.Shim, accumulator *int) {
	if *accumulator == 0 {
		return
	}
	newVolume := shim.GetVolume() + *accumulator
	if newVolume < 0 {
		newVolume = 0
	}
	if newVolume > 100 {
		newVolume = 100
	}
	*accumulator = 0
	m.log.Debugf("Setting volume to %d%%", newVolume)
	shim.SetVolume(newVolume)
}

// handleMessage maps one MIDI message to a shim command
func (m *MIDI) handleMessage(msg midi.Message, shim audioshim.Shim) {
	var ch, id, val uint8
	switch {
	case msg.GetNoteStart(&ch, &id, &val):
		if id == m.cfg.NextDeviceNote {
			shim.CycleNextOutputDevice()
		}
	case msg.GetNoteEnd(&ch, &id):
	case msg.GetControlChange(&ch, &id, &val):
		if id != m.cfg.VolControl {
			return
		}
		delta := int(val) - 64
		select {
		case m.volumeChan <- delta:
		default:
			m.log.Warnf("MIDI control channel full, dropping volume event")
		}
	default:
		m.log.Tracef("MIDI unknown message: %v", msg)
	}
}

// Connect attempts to connect to the specified MIDI device
func (m *MIDI) Connect(ctx context.Context, portName string, shim audioshim.Shim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if portName == "" {
		m.lastError = ""
		return nil
	}

	in, err := midi.FindInPort(portName)
	if err != nil {
		m.lastError = fmt.Sprintf("Failed to open MIDI port: %v", err)
		m.log.Errorf("MIDI connection error: %s", m.lastError)
		return err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.startVolumeWorker(ctx, shim)

	stopListen, err := midi.ListenTo(in, func(msg midi.Message, timestamp int32) {
		m.handleMessage(msg, shim)
	})
	if err != nil {
		m.lastError = fmt.Sprintf("Failed to start MIDI listener: %v", err)
		m.stopLocked()
		m.log.Errorf("MIDI listener error: %s", m.lastError)
		return err
	}

	m.connected = true
	m.lastError = ""
	m.currentPort = portName
	m.log.Infof("MIDI connected to %s", portName)

	go func() {
		<-listenCtx.Done()
		stopListen()
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		m.log.Infof("MIDI disconnected")
	}()

	return nil
}

func (m *MIDI) stopLocked() {
	if m.workerCancel != nil {
		m.workerCancel()
		m.workerCancel = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.connected = false
	m.currentPort = ""
}

// Disconnect closes the MIDI connection
func (m *MIDI) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Status returns the current connection status and any error message
func (m *MIDI) Status() (connected bool, port string, errorMsg string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected, m.currentPort, m.lastError
}

// Run connects to the configured port if the surface is enabled
func (m *MIDI) Run(ctx context.Context, shim audioshim.Shim) error {
	if !m.cfg.Enabled || m.cfg.Port == "" {
		return nil
	}
	return m.Connect(ctx, m.cfg.Port, shim)
}
