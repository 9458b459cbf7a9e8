package udev

import (
	"maps"
	"slices"
)

// Well-known uevent properties.
const (
	PropertyAction     = "ACTION"
	PropertyDevpath    = "DEVPATH"
	PropertyDevpathOld = "DEVPATH_OLD"
	PropertySubsystem  = "SUBSYSTEM"
	PropertyDevtype    = "DEVTYPE"
	PropertySeqnum     = "SEQNUM"
	PropertyDevname    = "DEVNAME"
	PropertyDriver     = "DRIVER"
	PropertyTags       = "TAGS"
	PropertyInterface  = "INTERFACE"
	PropertyPartName   = "PARTNAME"

	SysfsRoot = "/sys"
)

// EventType is the decoded ACTION of a uevent.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventAdd
	EventRemove
	EventChange
	EventMove
	EventOnline
	EventOffline
	EventBind
	EventUnbind
)

var eventActions = [...]string{
	EventUnknown: "unknown",
	EventAdd:     "add",
	EventRemove:  "remove",
	EventChange:  "change",
	EventMove:    "move",
	EventOnline:  "online",
	EventOffline: "offline",
	EventBind:    "bind",
	EventUnbind:  "unbind",
}

// ParseEventType maps an action string. Unrecognized actions are
// EventUnknown.
func ParseEventType(action string) EventType {
	for typ, name := range eventActions {
		if typ != int(EventUnknown) && name == action {
			return EventType(typ)
		}
	}
	return EventUnknown
}

func (t EventType) String() string {
	if int(t) < len(eventActions) {
		return eventActions[t]
	}
	return eventActions[EventUnknown]
}

// Device is a snapshot of a device as described by a uevent or by the udev
// database. It holds no reference to native memory.
type Device struct {
	syspath    string
	devpath    string
	subsystem  string
	sysname    string
	devtype    string
	hasDevtype bool
	devnode    string
	driver     string
	tags       []string
	properties map[string]string
}

func (d Device) Syspath() string {
	return d.syspath
}

func (d Device) Devpath() string {
	return d.devpath
}

func (d Device) Subsystem() string {
	return d.subsystem
}

// Sysname is the kernel name of the device, the last element of its devpath.
func (d Device) Sysname() string {
	return d.sysname
}

// Devtype reports the device type. ok is false for subsystems that do not
// classify devices by type, which is distinct from an empty type.
func (d Device) Devtype() (devtype string, ok bool) {
	return d.devtype, d.hasDevtype
}

func (d Device) Devnode() string {
	return d.devnode
}

func (d Device) Driver() string {
	return d.driver
}

func (d Device) Tags() []string {
	return slices.Clone(d.tags)
}

func (d Device) HasTag(tag string) bool {
	return slices.Contains(d.tags, tag)
}

func (d Device) Property(key string) (string, bool) {
	value, ok := d.properties[key]
	return value, ok
}

// Properties returns a copy of all properties.
func (d Device) Properties() map[string]string {
	return maps.Clone(d.properties)
}

// Event is one decoded hotplug notification.
type Event struct {
	seqnum uint64
	action string
	typ    EventType
	device Device
}

// SequenceNumber is the kernel's monotonic event counter. Gaps mean events
// were filtered out or dropped by the kernel.
func (e Event) SequenceNumber() uint64 {
	return e.seqnum
}

func (e Event) Type() EventType {
	return e.typ
}

// Action is the raw ACTION string, useful when Type is EventUnknown.
func (e Event) Action() string {
	return e.action
}

func (e Event) Device() Device {
	return e.device
}

func (e Event) Syspath() string {
	return e.device.syspath
}

func (e Event) Subsystem() string {
	return e.device.subsystem
}

func (e Event) Sysname() string {
	return e.device.sysname
}

func (e Event) Devtype() (string, bool) {
	return e.device.Devtype()
}
