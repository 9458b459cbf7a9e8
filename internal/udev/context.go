package udev

import (
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	libudev "github.com/jochenvg/go-udev"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Context is the shared library handle. Builders and monitors derived from it
// hold a reference, so it stays usable until the opener and every monitor
// have let go of it.
type Context struct {
	mu     sync.Mutex
	refs   int
	closed bool
	udev   *libudev.Udev
}

// Open creates a Context. It fails when sysfs is not mounted.
func Open() (*Context, error) {
	if _, err := os.Stat(SysfsRoot); err != nil {
		return nil, wrapErr("open context", err)
	}

	return &Context{
		refs: 1,
		udev: &libudev.Udev{},
	}, nil
}

// Close releases the reference taken by Open.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError("close context", unix.EBADF)
	}
	c.closed = true
	c.mu.Unlock()

	c.release()
	return nil
}

func (c *Context) acquire(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return newError(op, unix.EBADF)
	}
	c.refs++
	return nil
}

func (c *Context) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs--
	if c.refs == 0 {
		c.udev = nil
		klog.V(4).Info("udev context released")
	}
}

func (c *Context) handle(op string) (*libudev.Udev, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.udev == nil {
		return nil, newError(op, unix.EBADF)
	}
	return c.udev, nil
}

// Enumerate lists the devices currently known to udev, restricted to the
// given subsystems when any are passed.
func (c *Context) Enumerate(subsystems ...string) ([]Device, error) {
	u, err := c.handle("enumerate")
	if err != nil {
		return nil, err
	}

	enum := u.NewEnumerate()
	for _, subsystem := range subsystems {
		if err := validMatchString("enumerate", subsystem); err != nil {
			return nil, err
		}
		if err := enum.AddMatchSubsystem(subsystem); err != nil {
			klog.Errorf("Failed to add subsystem %q to enumeration: %v", subsystem, err)
			return nil, newError("enumerate", unix.EINVAL)
		}
	}

	devs, err := enum.Devices()
	if err != nil {
		klog.Errorf("Failed to enumerate devices: %v", err)
		return nil, wrapErr("enumerate", err)
	}

	res := make([]Device, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			klog.Error("udev device is nil!")
			continue
		}
		device, err := deviceFromLibudev(dev)
		if err != nil {
			klog.V(4).Infof("Skipping device %s: %v", dev.Syspath(), err)
			continue
		}
		res = append(res, device)
	}

	return res, nil
}

// Sysattr reads a sysfs attribute of the device at syspath.
func (c *Context) Sysattr(syspath, name string) (string, error) {
	u, err := c.handle("sysattr")
	if err != nil {
		return "", err
	}

	dev := u.NewDeviceFromSyspath(syspath)
	if dev == nil {
		return "", newError("sysattr "+name, unix.ENODEV)
	}
	return strings.TrimSpace(dev.SysattrValue(name)), nil
}

func deviceFromLibudev(dev *libudev.Device) (Device, error) {
	props := dev.Properties()
	if props == nil {
		props = make(map[string]string)
	}

	// devices that were never processed by udevd only have sysfs data
	setDefault(props, PropertyDevpath, dev.Devpath())
	setDefault(props, PropertySubsystem, dev.Subsystem())
	setDefault(props, PropertyDevtype, dev.Devtype())
	setDefault(props, PropertyDevname, dev.Devnode())
	setDefault(props, PropertyDriver, dev.Driver())
	if tags := dev.Tags(); len(tags) > 0 {
		setDefault(props, PropertyTags, ":"+strings.Join(slices.Sorted(maps.Keys(tags)), ":")+":")
	}

	return DeviceFromProperties(props)
}

func setDefault(props map[string]string, key, value string) {
	if value == "" {
		return
	}
	if _, ok := props[key]; !ok {
		props[key] = value
	}
}
