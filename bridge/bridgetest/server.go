// Package bridgetest provides an in-memory bridge.Bridge backed by a
// scriptable model of an audio server.
package bridgetest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beaumanvienna/pamanager/bridge"
	"github.com/beaumanvienna/pamanager/device"
)

// ErrNoEntity is reported for queries naming a device the model does not
// have.
var ErrNoEntity = errors.New("no such entity")

// Op names a bridge request for failure scripting and call counting.
type Op string

const (
	OpConnect          Op = "Connect"
	OpEnumerateSources Op = "EnumerateSources"
	OpEnumerateSinks   Op = "EnumerateSinks"
	OpGetDeviceInfo    Op = "GetDeviceInfo"
	OpGetServerInfo    Op = "GetServerInfo"
	OpSubscribe        Op = "Subscribe"
	OpSetDefaultSink   Op = "SetDefaultSink"
	OpGetVolume        Op = "GetVolume"
	OpSetVolume        Op = "SetVolume"
)

// Device is a sink or source in the server model.
type Device struct {
	Index       device.Index
	Name        string
	Description string
	Volumes     []uint32
	Properties  map[string]string
}

func (d Device) info() bridge.DeviceInfo {
	props := make(map[string]string, len(d.Properties))
	for k, v := range d.Properties {
		props[k] = v
	}
	return bridge.DeviceInfo{
		Index:          d.Index,
		Name:           d.Name,
		Description:    d.Description,
		ChannelVolumes: append([]uint32(nil), d.Volumes...),
		Properties:     props,
	}
}

// Server is a fake audio server. Requests queue completions that run the next
// time PumpEvents is called, in request order. Model mutators queue the
// subscription notifications a real server would send.
type Server struct {
	mu sync.Mutex

	sinks         []Device
	sources       []Device
	defaultSink   string
	defaultSource string

	pending  []func()
	wake     chan struct{}
	mask     bridge.Facility
	onEvent  func(bridge.DeviceEvent)
	broken   error
	closed   bool
	failures map[Op][]error
	refusals map[Op][]error
	hooks    map[Op][]func()
	calls    map[Op]int
}

// NewServer returns an empty server model.
func NewServer() *Server {
	return &Server{
		wake:     make(chan struct{}, 1),
		failures: make(map[Op][]error),
		refusals: make(map[Op][]error),
		hooks:    make(map[Op][]func()),
		calls:    make(map[Op]int),
	}
}

var _ bridge.Bridge = (*Server)(nil)

func (s *Server) queue(fn func()) {
	s.pending = append(s.pending, fn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// begin records a call to op and returns a scripted refusal, if any.
func (s *Server) begin(op Op) error {
	s.calls[op]++
	if s.closed {
		return bridge.ErrClosed
	}
	if errs := s.refusals[op]; len(errs) > 0 {
		s.refusals[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// runHook runs the next hook scripted for op, without holding the model
// lock.
func (s *Server) runHook(op Op) {
	s.mu.Lock()
	var fn func()
	if fns := s.hooks[op]; len(fns) > 0 {
		fn = fns[0]
		s.hooks[op] = fns[1:]
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Server) takeFailure(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *Server) notify(f bridge.Facility, kind bridge.EventKind, idx device.Index) {
	if s.onEvent == nil || s.mask&f == 0 {
		return
	}
	onEvent := s.onEvent
	ev := bridge.DeviceEvent{Facility: f, Kind: kind, Index: idx}
	s.queue(func() { onEvent(ev) })
}

func (s *Server) devices(dir device.Direction) *[]Device {
	if dir == device.Input {
		return &s.sources
	}
	return &s.sinks
}

func (s *Server) sinkByName(name string) (*Device, bool) {
	for i := range s.sinks {
		if s.sinks[i].Name == name {
			return &s.sinks[i], true
		}
	}
	return nil, false
}

// Connect starts a new session. Any previous subscription and queued
// completions are dropped.
func (s *Server) Connect(onState func(bridge.State, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpConnect]++
	if errs := s.refusals[OpConnect]; len(errs) > 0 {
		s.refusals[OpConnect] = errs[1:]
		return errs[0]
	}
	s.closed = false
	s.broken = nil
	s.pending = nil
	s.onEvent = nil
	s.mask = 0
	s.queue(func() {
		onState(bridge.Connecting, nil)
		if err := s.takeFailure(OpConnect); err != nil {
			onState(bridge.Failed, err)
			return
		}
		onState(bridge.Authorizing, nil)
		onState(bridge.SettingName, nil)
		onState(bridge.Ready, nil)
	})
	return nil
}

func (s *Server) enumerate(op Op, dir device.Direction, onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(op); err != nil {
		return err
	}
	s.queue(func() {
		if err := s.takeFailure(op); err != nil {
			onComplete(err)
			return
		}
		s.mu.Lock()
		rows := make([]bridge.DeviceInfo, 0, len(*s.devices(dir)))
		for _, d := range *s.devices(dir) {
			rows = append(rows, d.info())
		}
		s.mu.Unlock()
		for _, row := range rows {
			onRow(row)
		}
		onComplete(nil)
	})
	return nil
}

func (s *Server) EnumerateSources(onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	return s.enumerate(OpEnumerateSources, device.Input, onRow, onComplete)
}

func (s *Server) EnumerateSinks(onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	return s.enumerate(OpEnumerateSinks, device.Output, onRow, onComplete)
}

func (s *Server) GetDeviceInfo(dir device.Direction, idx device.Index, onRow func(bridge.DeviceInfo), onComplete func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGetDeviceInfo); err != nil {
		return err
	}
	s.queue(func() {
		if err := s.takeFailure(OpGetDeviceInfo); err != nil {
			onComplete(err)
			return
		}
		s.mu.Lock()
		var row *bridge.DeviceInfo
		for _, d := range *s.devices(dir) {
			if d.Index == idx {
				info := d.info()
				row = &info
				break
			}
		}
		s.mu.Unlock()
		if row == nil {
			onComplete(fmt.Errorf("%s #%s: %w", dir, idx, ErrNoEntity))
			return
		}
		onRow(*row)
		onComplete(nil)
	})
	return nil
}

func (s *Server) GetServerInfo(onResult func(bridge.ServerInfo, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGetServerInfo); err != nil {
		return err
	}
	s.queue(func() {
		if err := s.takeFailure(OpGetServerInfo); err != nil {
			onResult(bridge.ServerInfo{}, err)
			return
		}
		s.mu.Lock()
		info := bridge.ServerInfo{
			DefaultSinkName:   s.defaultSink,
			DefaultSourceName: s.defaultSource,
		}
		s.mu.Unlock()
		onResult(info, nil)
	})
	return nil
}

func (s *Server) Subscribe(mask bridge.Facility, onEvent func(bridge.DeviceEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSubscribe); err != nil {
		return err
	}
	s.mask = mask
	s.onEvent = onEvent
	return nil
}

func (s *Server) SetDefaultSink(name string, onAck func(error)) error {
	s.runHook(OpSetDefaultSink)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSetDefaultSink); err != nil {
		return err
	}
	s.queue(func() {
		if err := s.takeFailure(OpSetDefaultSink); err != nil {
			onAck(err)
			return
		}
		s.mu.Lock()
		_, ok := s.sinkByName(name)
		if ok {
			s.defaultSink = name
			s.notify(bridge.FacilityServer, bridge.EventChange, device.Undefined)
		}
		s.mu.Unlock()
		if !ok {
			onAck(fmt.Errorf("sink %q: %w", name, ErrNoEntity))
			return
		}
		onAck(nil)
	})
	return nil
}

func (s *Server) GetVolume(name string, onResult func(bridge.DeviceInfo, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGetVolume); err != nil {
		return err
	}
	s.queue(func() {
		if err := s.takeFailure(OpGetVolume); err != nil {
			onResult(bridge.DeviceInfo{}, err)
			return
		}
		s.mu.Lock()
		d, ok := s.sinkByName(name)
		var info bridge.DeviceInfo
		if ok {
			info = d.info()
		}
		s.mu.Unlock()
		if !ok {
			onResult(info, fmt.Errorf("sink %q: %w", name, ErrNoEntity))
			return
		}
		onResult(info, nil)
	})
	return nil
}

func (s *Server) SetVolume(name string, values []uint32, onAck func(error)) error {
	s.runHook(OpSetVolume)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSetVolume); err != nil {
		return err
	}
	values = append([]uint32(nil), values...)
	s.queue(func() {
		if err := s.takeFailure(OpSetVolume); err != nil {
			onAck(err)
			return
		}
		s.mu.Lock()
		d, ok := s.sinkByName(name)
		if ok {
			d.Volumes = values
			s.notify(bridge.FacilitySink, bridge.EventChange, d.Index)
		}
		s.mu.Unlock()
		if !ok {
			onAck(fmt.Errorf("sink %q: %w", name, ErrNoEntity))
			return
		}
		onAck(nil)
	})
	return nil
}

// PumpEvents runs the completions queued so far. Completions queued while
// they run are left for the next call.
func (s *Server) PumpEvents(timeout time.Duration) error {
	s.mu.Lock()
	if s.broken != nil {
		err := s.broken
		s.mu.Unlock()
		return err
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 && timeout > 0 {
		select {
		case <-s.wake:
		case <-time.After(timeout):
		}
		return nil
	}
	for _, fn := range batch {
		fn()
	}
	return nil
}

// Drain pumps until nothing is pending and returns the number of rounds.
func (s *Server) Drain() int {
	rounds := 0
	for s.Pending() > 0 {
		if err := s.PumpEvents(0); err != nil {
			return rounds
		}
		rounds++
		if rounds > 1000 {
			panic("bridgetest: completions keep requeueing")
		}
	}
	return rounds
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	return nil
}

// Pending returns the number of queued completions.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return 0
	}
	return len(s.pending)
}

// Calls returns how many times op was requested.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FailNext makes the next completion of op report err.
func (s *Server) FailNext(op Op, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

// RefuseNext makes the next call of op return err without queueing anything.
func (s *Server) RefuseNext(op Op, err error) {
	s.mu.Lock()
	s.refusals[op] = append(s.refusals[op], err)
	s.mu.Unlock()
}

// BeforeNext runs fn when op is next requested, before the request is
// handled. fn may call back into the server.
func (s *Server) BeforeNext(op Op, fn func()) {
	s.mu.Lock()
	s.hooks[op] = append(s.hooks[op], fn)
	s.mu.Unlock()
}

// Break makes every later PumpEvents call fail with err until the next
// Connect.
func (s *Server) Break(err error) {
	s.mu.Lock()
	s.broken = err
	s.mu.Unlock()
}

func (s *Server) add(dir device.Direction, f bridge.Facility, d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.devices(dir)
	*l = append(*l, d)
	s.notify(f, bridge.EventNew, d.Index)
}

// AddSink adds a sink to the model. The first sink added becomes the default.
func (s *Server) AddSink(d Device) {
	s.add(device.Output, bridge.FacilitySink, d)
	s.mu.Lock()
	if s.defaultSink == "" {
		s.defaultSink = d.Name
	}
	s.mu.Unlock()
}

// AddSource adds a source to the model. The first source added becomes the
// default.
func (s *Server) AddSource(d Device) {
	s.add(device.Input, bridge.FacilitySource, d)
	s.mu.Lock()
	if s.defaultSource == "" {
		s.defaultSource = d.Name
	}
	s.mu.Unlock()
}

func (s *Server) remove(dir device.Direction, f bridge.Facility, idx device.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.devices(dir)
	for i, d := range *l {
		if d.Index != idx {
			continue
		}
		*l = append((*l)[:i], (*l)[i+1:]...)
		s.notify(f, bridge.EventRemove, idx)

		def := &s.defaultSink
		if dir == device.Input {
			def = &s.defaultSource
		}
		if *def == d.Name {
			*def = ""
			if len(*l) > 0 {
				*def = (*l)[0].Name
			}
			s.notify(bridge.FacilityServer, bridge.EventChange, device.Undefined)
		}
		return
	}
}

// RemoveSink removes a sink. If it was the default, the first remaining sink
// becomes the default.
func (s *Server) RemoveSink(idx device.Index) {
	s.remove(device.Output, bridge.FacilitySink, idx)
}

// RemoveSource removes a source. If it was the default, the first remaining
// source becomes the default.
func (s *Server) RemoveSource(idx device.Index) {
	s.remove(device.Input, bridge.FacilitySource, idx)
}

// SetSinkVolume changes a sink's volume as another client would.
func (s *Server) SetSinkVolume(name string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sinkByName(name)
	if !ok {
		return
	}
	d.Volumes = device.ChannelsFromPercent(percent, len(d.Volumes))
	s.notify(bridge.FacilitySink, bridge.EventChange, d.Index)
}

// SetDefault changes the default sink as another client would.
func (s *Server) SetDefault(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultSink = name
	s.notify(bridge.FacilityServer, bridge.EventChange, device.Undefined)
}

// DefaultSink returns the model's default sink name.
func (s *Server) DefaultSink() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultSink
}

// SinkVolume returns the volume of the named sink in percent.
func (s *Server) SinkVolume(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sinkByName(name)
	if !ok {
		return -1
	}
	return device.PercentFromChannels(d.Volumes)
}

// Sink builds a stereo sink at percent volume.
func Sink(idx device.Index, name, desc string, percent int) Device {
	return Device{
		Index:       idx,
		Name:        name,
		Description: desc,
		Volumes:     device.ChannelsFromPercent(percent, 2),
		Properties:  map[string]string{"device.description": desc},
	}
}

// Source builds a mono source.
func Source(idx device.Index, name, desc string) Device {
	return Device{
		Index:       idx,
		Name:        name,
		Description: desc,
		Volumes:     device.ChannelsFromPercent(100, 1),
	}
}
