package annotate

import (
	"path"
	"regexp"

	"github.com/ydb-platform/udev-monitor/internal/udev"
)

const (
	DevtypePartition = "partition"

	PropertyShortSerial = "ID_SERIAL_SHORT"
	PropertyModel       = "ID_MODEL"

	SysattrWWID   = "wwid"
	SysattrModel  = "model"
	SysattrSerial = "serial"

	KeyPartitionLabel = "partition.label"
	KeyDiskId         = "disk.id"
	KeyDiskModel      = "disk.model"
	KeyDiskSerial     = "disk.serial"
)

// Partition reports the label of block partitions the matcher accepts and
// identifies the disk they live on.
func Partition(matcher *regexp.Regexp, sysattr SysattrFunc) Annotator {
	return func(ev udev.Event) map[string]string {
		dev := ev.Device()
		if dev.Subsystem() != "block" {
			return nil
		}
		if devtype, _ := dev.Devtype(); devtype != DevtypePartition {
			return nil
		}

		partname, found := dev.Property(udev.PropertyPartName)
		if !found {
			return nil
		}
		name, ok := label(matcher, partname)
		if !ok {
			return nil
		}

		facts := map[string]string{KeyPartitionLabel: name}
		if !live(ev) {
			return facts
		}

		// the disk is the partition's parent; its attributes live under
		// <disk>/device
		disk := path.Dir(dev.Syspath())
		lookup := func(name string) string {
			for _, p := range []string{disk, path.Join(disk, "device")} {
				if value, err := sysattr(p, name); err == nil && value != "" {
					return value
				}
			}
			return ""
		}

		if wwid := lookup(SysattrWWID); wwid != "" {
			facts[KeyDiskId] = wwid
		}

		model := lookup(SysattrModel)
		if model == "" {
			model, _ = dev.Property(PropertyModel)
		}
		if model != "" {
			facts[KeyDiskModel] = model
		}

		serial := lookup(SysattrSerial)
		if serial == "" {
			serial, _ = dev.Property(PropertyShortSerial)
		}
		if serial != "" {
			facts[KeyDiskSerial] = serial
		}

		return facts
	}
}
