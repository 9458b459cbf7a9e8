package annotate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Mellanox/rdmamap"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/udev"
)

const (
	SysattrOperstate = "operstate"
	SysattrSpeed     = "speed"

	KeyInterface       = "net.interface"
	KeyOperstate       = "net.operstate"
	KeySpeedMbps       = "net.speed_mbps"
	KeyRdmaDevice      = "rdma.device"
	KeyRdmaCharDevices = "rdma.char_devices"
)

func netInterface(ev udev.Event, matcher *regexp.Regexp) (string, string, bool) {
	if ev.Subsystem() != "net" {
		return "", "", false
	}

	ifname, _ := ev.Device().Property(udev.PropertyInterface)
	if ifname == "" {
		return "", "", false
	}

	name, ok := label(matcher, ifname)
	return ifname, name, ok
}

// NetLink reports the link state and speed of network interfaces whose name
// the matcher accepts.
func NetLink(matcher *regexp.Regexp, sysattr SysattrFunc) Annotator {
	return func(ev udev.Event) map[string]string {
		ifname, name, ok := netInterface(ev, matcher)
		if !ok {
			return nil
		}

		facts := map[string]string{KeyInterface: name}
		if !live(ev) {
			return facts
		}

		if state, err := sysattr(ev.Syspath(), SysattrOperstate); err == nil && state != "" {
			facts[KeyOperstate] = state
		} else if err != nil {
			klog.V(4).Infof("Failed to read operstate of %s: %v", ifname, err)
		}

		// virtual links report -1 or fail the read entirely
		if speed, err := sysattr(ev.Syspath(), SysattrSpeed); err == nil {
			if mbps, err := strconv.Atoi(speed); err == nil && mbps > 0 {
				facts[KeySpeedMbps] = strconv.Itoa(mbps)
			}
		}

		return facts
	}
}

type rdmaLookup struct {
	deviceFor   func(ifname string) (string, error)
	charDevices func(rdmaDevice string) []string
}

var defaultRdmaLookup = rdmaLookup{
	deviceFor:   rdmamap.GetRdmaDeviceForNetdevice,
	charDevices: rdmamap.GetRdmaCharDevices,
}

// RDMA reports the RDMA device behind a network interface and the character
// devices a process needs to use it.
func RDMA(matcher *regexp.Regexp) Annotator {
	return rdmaAnnotator(matcher, defaultRdmaLookup)
}

func rdmaAnnotator(matcher *regexp.Regexp, lookup rdmaLookup) Annotator {
	return func(ev udev.Event) map[string]string {
		if !live(ev) {
			return nil
		}
		ifname, _, ok := netInterface(ev, matcher)
		if !ok {
			return nil
		}

		rdmaDevice, err := lookup.deviceFor(ifname)
		if err != nil {
			klog.V(4).Infof("No rdma device for network device %s: %v", ifname, err)
			return nil
		}

		facts := map[string]string{KeyRdmaDevice: rdmaDevice}
		if chardevs := lookup.charDevices(rdmaDevice); len(chardevs) > 0 {
			facts[KeyRdmaCharDevices] = strings.Join(chardevs, ",")
		}
		klog.V(3).Infof("Found rdma device %s for %s: %v", rdmaDevice, ifname, facts)
		return facts
	}
}
