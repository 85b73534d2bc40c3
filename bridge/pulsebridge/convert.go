package pulsebridge

import (
	"github.com/jfreymuth/pulse/proto"

	"github.com/beaumanvienna/pamanager/bridge"
	"github.com/beaumanvienna/pamanager/device"
)

// Subscription mask bits and event codes of the native protocol.
const (
	maskSink   = 0x0001
	maskSource = 0x0002
	maskServer = 0x0080

	eventFacilityMask = 0x000F
	eventSink         = 0x0000
	eventSource       = 0x0001
	eventServer       = 0x0007

	eventTypeMask = 0x0030
	eventNew      = 0x0000
	eventChange   = 0x0010
	eventRemove   = 0x0020
)

func subscribeRequest(mask bridge.Facility) *proto.Subscribe {
	req := &proto.Subscribe{}
	if mask&bridge.FacilitySink != 0 {
		req.Mask |= maskSink
	}
	if mask&bridge.FacilitySource != 0 {
		req.Mask |= maskSource
	}
	if mask&bridge.FacilityServer != 0 {
		req.Mask |= maskServer
	}
	return req
}

func decodeEvent(ev proto.SubscribeEvent) (bridge.DeviceEvent, bool) {
	code := uint32(ev.Event)
	out := bridge.DeviceEvent{Index: device.Index(ev.Index)}

	switch code & eventFacilityMask {
	case eventSink:
		out.Facility = bridge.FacilitySink
	case eventSource:
		out.Facility = bridge.FacilitySource
	case eventServer:
		out.Facility = bridge.FacilityServer
	default:
		return out, false
	}

	switch code & eventTypeMask {
	case eventNew:
		out.Kind = bridge.EventNew
	case eventChange:
		out.Kind = bridge.EventChange
	case eventRemove:
		out.Kind = bridge.EventRemove
	default:
		return out, false
	}
	return out, true
}

func props(pl proto.PropList) map[string]string {
	m := make(map[string]string, len(pl))
	for k, v := range pl {
		m[k] = v.String()
	}
	return m
}

func sinkInfo(r *proto.GetSinkInfoReply) bridge.DeviceInfo {
	return bridge.DeviceInfo{
		Index:          device.Index(r.SinkIndex),
		Name:           r.SinkName,
		Description:    r.Device,
		ChannelVolumes: append([]uint32(nil), r.ChannelVolumes...),
		Properties:     props(r.Properties),
	}
}

func sourceInfo(r *proto.GetSourceInfoReply) bridge.DeviceInfo {
	return bridge.DeviceInfo{
		Index:          device.Index(r.SourceIndex),
		Name:           r.SourceName,
		Description:    r.Device,
		ChannelVolumes: append([]uint32(nil), r.ChannelVolumes...),
		Properties:     props(r.Properties),
	}
}
