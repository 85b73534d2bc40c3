package manager

import (
	"fmt"
	"maps"
	"slices"

	"github.com/beaumanvienna/pamanager/bridge"
	"github.com/beaumanvienna/pamanager/device"
	"github.com/beaumanvienna/pamanager/errutil"
	"github.com/beaumanvienna/pamanager/events"
)

const subscriptionMask = bridge.FacilitySink | bridge.FacilitySource | bridge.FacilityServer

func (m *Manager) onStateChange(s bridge.State, err error) {
	switch s {
	case bridge.Ready:
		m.log.Infof("Connected to audio server")
		m.update(func(fx *effects) {
			fx.request("enumerate sources", func() error {
				return m.bridge.EnumerateSources(m.rowHandler(device.Input),
					m.completeHandler(device.Input, true))
			})
			fx.request("enumerate sinks", func() error {
				return m.bridge.EnumerateSinks(m.rowHandler(device.Output),
					m.completeHandler(device.Output, true))
			})
			fx.request("subscribe", func() error {
				return m.bridge.Subscribe(subscriptionMask, m.onDeviceEvent)
			})
		})

	case bridge.Failed:
		if err == nil {
			err = bridge.ErrClosed
		}
		m.sessionErr = fmt.Errorf("connection failed: %w", err)

	case bridge.Terminated:
		m.sessionErr = fmt.Errorf("connection terminated: %w", bridge.ErrClosed)

	default:
		m.log.Debugf("Connection state: %s", s)
	}
}

func (m *Manager) requestServerInfo(fx *effects) {
	fx.request("get server info", func() error {
		return m.bridge.GetServerInfo(m.onServerInfo)
	})
}

func (m *Manager) rowHandler(dir device.Direction) func(bridge.DeviceInfo) {
	return func(info bridge.DeviceInfo) {
		m.onDeviceRow(dir, info)
	}
}

func (m *Manager) completeHandler(dir device.Direction, enumeration bool) func(error) {
	return func(err error) {
		m.onListComplete(dir, enumeration, err)
	}
}

func (m *Manager) onDeviceRow(dir device.Direction, info bridge.DeviceInfo) {
	if !info.Index.IsValid() {
		return
	}
	m.logProperties(dir, info)

	m.update(func(fx *effects) {
		dev := device.Device{
			Index:       info.Index,
			Description: info.Description,
			Name:        info.Name,
		}
		if dir == device.Output {
			dev.Volume = device.PercentFromChannels(info.ChannelVolumes)
		}
		if m.reg.Add(dir, dev) {
			m.log.Debugf("Added %s device #%s %q", dir, dev.Index, dev.Description)
			return
		}
		if dir != device.Output {
			return
		}

		// A row for a known output refreshes its cached volume. For the
		// default output it counts as a volume read.
		pos, _ := m.reg.Position(dir, dev.Index)
		m.reg.SetVolume(dir, pos, dev.Volume)
		if pos == m.trk.outputPos {
			m.volumeRead(fx, dev.Volume)
		}
	})
}

func (m *Manager) onListComplete(dir device.Direction, enumeration bool, err error) {
	if err != nil {
		errutil.LogError(m.log, fmt.Sprintf("list %s devices", dir), err)
		return
	}
	m.update(func(fx *effects) {
		if enumeration {
			if dir == device.Input {
				m.sourcesDone = true
			} else {
				m.sinksDone = true
			}
		}
		m.checkCount(fx, dir)
		m.requestServerInfo(fx)
	})
}

// checkCount emits a list-changed event if the device count of dir differs
// from the last one reported.
func (m *Manager) checkCount(fx *effects, dir device.Direction) {
	n := m.reg.Count(dir)
	if n == m.notified[dir] {
		return
	}
	m.notified[dir] = n
	fx.emit(listChanged(dir == device.Output, n))
}

func (m *Manager) onDeviceEvent(ev bridge.DeviceEvent) {
	m.log.Tracef("Subscription event: %s", ev)

	dir, ok := ev.Direction()
	if !ok {
		m.update(m.requestServerInfo)
		return
	}

	m.update(func(fx *effects) {
		if ev.Kind == bridge.EventRemove {
			m.removeDevice(fx, dir, ev.Index)
			return
		}
		idx := ev.Index
		fx.request(fmt.Sprintf("get %s device #%s", dir, idx), func() error {
			return m.bridge.GetDeviceInfo(dir, idx, m.rowHandler(dir),
				m.completeHandler(dir, false))
		})
	})
}

func (m *Manager) removeDevice(fx *effects, dir device.Direction, idx device.Index) {
	pos, ok := m.reg.Remove(dir, idx)
	if !ok {
		return
	}
	m.log.Debugf("Removed %s device #%s", dir, idx)
	m.checkCount(fx, dir)

	tracked := &m.trk.inputPos
	if dir == device.Output {
		tracked = &m.trk.outputPos
	}
	switch {
	case pos < *tracked:
		// Keep naming the same device after the shift.
		*tracked--
	case pos == *tracked:
		*tracked = -1
		m.requestServerInfo(fx)
	}
}

func (m *Manager) onServerInfo(info bridge.ServerInfo, err error) {
	if err != nil {
		errutil.LogError(m.log, "get server info", err)
		return
	}
	m.update(func(fx *effects) {
		if pos, ok := m.reg.PositionByName(device.Input, info.DefaultSourceName); ok {
			m.trk.inputPos = pos
		}

		if m.trk.switches > 0 && info.DefaultSinkName != m.trk.switchTarget {
			m.log.Debugf("Ignoring default output %q while switching to %q",
				info.DefaultSinkName, m.trk.switchTarget)
			return
		}

		pos, ok := m.reg.PositionByName(device.Output, info.DefaultSinkName)
		if !ok {
			// Without any sinks there is no volume to read, so the
			// finished enumerations are enough to be ready.
			if !m.ready && m.sourcesDone && m.sinksDone && m.reg.Count(device.Output) == 0 {
				m.markReady(fx)
			}
			return
		}

		if pos != m.trk.outputPos {
			report := m.trk.outputResolved
			m.trk.outputPos = pos
			m.trk.outputResolved = true
			if report {
				desc, _ := m.reg.DescriptionAt(device.Output, pos)
				m.log.Infof("Default output changed to %q", desc)
				fx.emit(events.OutputDeviceChanged{Description: desc})
			}
		}

		name := info.DefaultSinkName
		fx.request("get volume", func() error {
			return m.bridge.GetVolume(name, m.onVolumeResult)
		})
	})
}

func (m *Manager) onVolumeResult(info bridge.DeviceInfo, err error) {
	if err != nil {
		errutil.LogError(m.log, "get volume", err)
		return
	}
	m.update(func(fx *effects) {
		m.outputVolumeInfo(fx, info)
	})
}

// outputVolumeInfo caches the volume reported for an output and, for the
// default output, applies it as a volume read.
func (m *Manager) outputVolumeInfo(fx *effects, info bridge.DeviceInfo) {
	pos, ok := m.reg.Position(device.Output, info.Index)
	if !ok {
		return
	}
	v := device.PercentFromChannels(info.ChannelVolumes)
	m.reg.SetVolume(device.Output, pos, v)
	if pos == m.trk.outputPos {
		m.volumeRead(fx, v)
	}
}

// volumeRead applies a volume read of the default output.
func (m *Manager) volumeRead(fx *effects, v int) {
	switch {
	case !m.ready:
		m.trk.outputVolume = v
		m.trk.pendingOutput = false
		m.markReady(fx)

	case m.trk.pendingOutput:
		m.trk.pendingOutput = false
		m.trk.outputVolume = v

	case m.trk.takeVolumeEcho(v):
		m.trk.outputVolume = v

	default:
		if v != m.trk.outputVolume {
			m.trk.outputVolume = v
			fx.emit(events.OutputDeviceVolumeChanged{Volume: v})
		}
	}
}

func (m *Manager) markReady(fx *effects) {
	m.ready = true
	m.log.Infof("Audio server ready: %d inputs, %d outputs",
		m.reg.Count(device.Input), m.reg.Count(device.Output))
	fx.emit(events.Ready{})
}

func (m *Manager) onDefaultSinkAck(name string, err error) {
	if err != nil {
		errutil.LogError(m.log, "set default sink", err)
	}
	m.update(func(fx *effects) {
		if m.trk.switches > 0 {
			m.trk.switches--
		}
		if err != nil {
			m.trk.pendingOutput = false
			m.requestServerInfo(fx)
			return
		}
		fx.request("get volume", func() error {
			return m.bridge.GetVolume(name, m.onVolumeResult)
		})
	})
}

func (m *Manager) onVolumeForWrite(name string, info bridge.DeviceInfo, err error) {
	if err != nil {
		errutil.LogError(m.log, "get volume", err)
		return
	}
	m.update(func(fx *effects) {
		m.outputVolumeInfo(fx, info)

		target := m.trk.volumeRequest
		values := device.ChannelsFromPercent(target, len(info.ChannelVolumes))
		m.trk.pendingVolumes = append(m.trk.pendingVolumes, target)
		fx.requestUndo("set volume", func() error {
			return m.bridge.SetVolume(name, values, func(err error) {
				m.onVolumeWriteAck(target, err)
			})
		}, func() { m.trk.dropVolumeWrite(target) })
	})
}

func (m *Manager) onVolumeWriteAck(target int, err error) {
	if err == nil {
		return
	}
	errutil.LogError(m.log, "set volume", err)
	m.mu.Lock()
	m.trk.dropVolumeWrite(target)
	m.mu.Unlock()
}

func (m *Manager) logProperties(dir device.Direction, info bridge.DeviceInfo) {
	if !m.cfg.verbose {
		return
	}
	m.log.Tracef("%s device #%s %s: %q", dir, info.Index, info.Name, info.Description)
	for _, k := range slices.Sorted(maps.Keys(info.Properties)) {
		m.log.Tracef("    %s = %q", k, info.Properties[k])
	}
}
