// Package udev is a client for the Linux device hotplug channel.
//
// A Context is opened once and shared. A MonitorBuilder collects
// subsystem/devtype and tag rules and is turned into a Monitor by Listen.
// The Monitor exposes a descriptor for the caller's poll loop and decodes
// pending notifications into Events without blocking:
//
//	b, err := udev.NewMonitorBuilder(ctx)
//	...
//	b.MatchSubsystemDevtype("usb", "usb_device")
//	mon, err := b.Listen()
//	...
//	fds := []unix.PollFd{{Fd: int32(mon.Fd()), Events: unix.POLLIN}}
//	for {
//		unix.Poll(fds, -1)
//		ev, ok, err := mon.ReceiveEvent()
//		...
//	}
//
// Every failure is an *Error carrying the errno and its classification.
package udev
