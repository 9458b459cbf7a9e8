package server

import (
	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

const (
	KindInit    = "init"
	KindAdded   = "added"
	KindRemoved = "removed"
	KindChanged = "changed"
)

type DeviceInfo struct {
	Syspath    string            `json:"syspath"`
	Subsystem  string            `json:"subsystem"`
	Sysname    string            `json:"sysname"`
	Devtype    *string           `json:"devtype,omitempty"`
	Devnode    string            `json:"devnode,omitempty"`
	Driver     string            `json:"driver,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Properties map[string]string `json:"properties"`
}

func deviceInfo(dev udev.Device) DeviceInfo {
	info := DeviceInfo{
		Syspath:    dev.Syspath(),
		Subsystem:  dev.Subsystem(),
		Sysname:    dev.Sysname(),
		Devnode:    dev.Devnode(),
		Driver:     dev.Driver(),
		Tags:       dev.Tags(),
		Properties: dev.Properties(),
	}
	if devtype, ok := dev.Devtype(); ok {
		info.Devtype = &devtype
	}
	return info
}

// EventMessage is one websocket message of the /events stream.
type EventMessage struct {
	Kind        string            `json:"kind"`
	Seqnum      uint64            `json:"seqnum,omitempty"`
	Action      string            `json:"action,omitempty"`
	OldSyspath  string            `json:"oldSyspath,omitempty"`
	Device      *DeviceInfo       `json:"device,omitempty"`
	Devices     []DeviceInfo      `json:"devices,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (s *Server) message(ev discovery.Event, filter func(udev.Device) bool) (EventMessage, bool) {
	var (
		kind  string
		uev   udev.Event
		oldId discovery.Id
	)

	switch e := ev.(type) {
	case discovery.Init:
		msg := EventMessage{Kind: KindInit, Devices: []DeviceInfo{}}
		for _, dev := range e.Devices {
			if filter(dev) {
				msg.Devices = append(msg.Devices, deviceInfo(dev))
			}
		}
		return msg, true
	case discovery.Added:
		kind, uev = KindAdded, e.Event
	case discovery.Removed:
		kind, uev = KindRemoved, e.Event
	case discovery.Changed:
		kind, uev, oldId = KindChanged, e.Event, e.OldId
	default:
		return EventMessage{}, false
	}

	if !filter(uev.Device()) {
		return EventMessage{}, false
	}

	info := deviceInfo(uev.Device())
	msg := EventMessage{
		Kind:       kind,
		Seqnum:     uev.SequenceNumber(),
		Action:     uev.Action(),
		OldSyspath: string(oldId),
		Device:     &info,
	}
	if s.annotator != nil {
		msg.Annotations = s.annotator(uev)
	}
	return msg, true
}
