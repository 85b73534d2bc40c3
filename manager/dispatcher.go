package manager

import "github.com/beaumanvienna/pamanager/events"

// SetCallback replaces the event callback. There is a single slot; the last
// call wins. A nil fn discards events.
//
// The callback runs synchronously on the event loop goroutine with no
// manager locks held, so it may call back into the Manager. It must not block
// for long.
func (m *Manager) SetCallback(fn func(events.Event)) {
	if fn == nil {
		fn = func(events.Event) {}
	}
	m.cbMu.Lock()
	m.callback = fn
	m.cbMu.Unlock()
}

func (m *Manager) dispatch(e events.Event) {
	m.cbMu.Lock()
	cb := m.callback
	m.cbMu.Unlock()

	m.log.Debugf("Event %s", events.Describe(e))
	cb(e)
}

func listChanged(isOutput bool, count int) events.Event {
	if isOutput {
		return events.OutputDeviceListChanged{Count: count}
	}
	return events.InputDeviceListChanged{Count: count}
}
