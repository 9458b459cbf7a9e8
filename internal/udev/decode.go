package udev

import (
	"encoding/binary"
	"maps"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// decodeError uses EBADMSG, which the errno table maps to IOInvalidData
// rather than Uncategorized, so callers can tell a bad datagram apart.
func decodeError(msg string) *Error {
	return newError("decode: "+msg, unix.EBADMSG)
}

// decodeMessage decodes one datagram. udevd messages carry the libudev
// header; messages from the kernel start with "action@devpath".
func decodeMessage(buf []byte) (Event, error) {
	props, err := messageProperties(buf)
	if err != nil {
		return Event{}, err
	}
	return EventFromProperties(props)
}

func messageProperties(buf []byte) (map[string]string, error) {
	if len(buf) >= len(libudevPrefix) && string(buf[:len(libudevPrefix)]) == libudevPrefix {
		return libudevProperties(buf)
	}
	return kernelProperties(buf)
}

func libudevProperties(buf []byte) (map[string]string, error) {
	if len(buf) < libudevHeaderLen {
		return nil, decodeError("truncated libudev header")
	}
	if binary.BigEndian.Uint32(buf[offMagic:]) != libudevMagic {
		return nil, decodeError("bad libudev magic")
	}

	off := uint64(binary.NativeEndian.Uint32(buf[offPropertiesOff:]))
	length := uint64(binary.NativeEndian.Uint32(buf[offPropertiesLen:]))
	if off < libudevHeaderLen || off+length > uint64(len(buf)) {
		return nil, decodeError("properties outside of message")
	}

	return parseProperties(string(buf[off : off+length])), nil
}

func kernelProperties(buf []byte) (map[string]string, error) {
	msg := string(buf)
	head, rest, ok := strings.Cut(msg, "\x00")
	if !ok || len(head) < len("a@/d") || !strings.Contains(head, "@/") {
		return nil, decodeError("invalid kernel message header")
	}
	return parseProperties(rest), nil
}

// parseProperties splits NUL-terminated KEY=VALUE records.
func parseProperties(data string) map[string]string {
	props := make(map[string]string)
	for data != "" {
		var field string
		field, data, _ = strings.Cut(data, "\x00")
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			continue
		}
		props[key] = value
	}
	return props
}

// EventFromProperties decodes an event from its uevent properties. SEQNUM,
// SUBSYSTEM and DEVPATH are required.
func EventFromProperties(props map[string]string) (Event, error) {
	dev, err := DeviceFromProperties(props)
	if err != nil {
		return Event{}, err
	}

	raw, ok := props[PropertySeqnum]
	if !ok {
		return Event{}, decodeError("missing " + PropertySeqnum)
	}
	seqnum, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return Event{}, decodeError("invalid " + PropertySeqnum + " " + strconv.Quote(raw))
	}

	action := props[PropertyAction]
	return Event{
		seqnum: seqnum,
		action: action,
		typ:    ParseEventType(action),
		device: dev,
	}, nil
}

// DeviceFromProperties builds a device snapshot from uevent properties.
func DeviceFromProperties(props map[string]string) (Device, error) {
	devpath := props[PropertyDevpath]
	if devpath == "" {
		return Device{}, decodeError("missing " + PropertyDevpath)
	}

	subsystem := props[PropertySubsystem]
	if subsystem == "" {
		return Device{}, decodeError("missing " + PropertySubsystem)
	}

	sysname := sysnameOf(devpath)
	if sysname == "" {
		return Device{}, decodeError("no sysname in " + PropertyDevpath + " " + strconv.Quote(devpath))
	}

	devtype, hasDevtype := props[PropertyDevtype]

	return Device{
		syspath:    SysfsRoot + devpath,
		devpath:    devpath,
		subsystem:  subsystem,
		sysname:    sysname,
		devtype:    devtype,
		hasDevtype: hasDevtype,
		devnode:    devnodeOf(props[PropertyDevname]),
		driver:     props[PropertyDriver],
		tags:       splitTags(props[PropertyTags]),
		properties: maps.Clone(props),
	}, nil
}

// sysnameOf returns the last devpath element; '!' stands for '/' in kernel
// names.
func sysnameOf(devpath string) string {
	name := devpath[strings.LastIndexByte(devpath, '/')+1:]
	return strings.ReplaceAll(name, "!", "/")
}

func devnodeOf(devname string) string {
	if devname == "" || strings.HasPrefix(devname, "/") {
		return devname
	}
	return "/dev/" + devname
}

func splitTags(tags string) []string {
	return strings.FieldsFunc(tags, func(r rune) bool { return r == ':' })
}
