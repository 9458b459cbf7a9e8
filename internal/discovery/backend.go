package discovery

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udev-monitor/internal/udev"
)

type eventSource interface {
	// Wait blocks until an event may be pending or the timeout passes.
	Wait(timeout time.Duration) (bool, error)
	ReceiveEvent() (udev.Event, bool, error)
	Close() error
}

type backend interface {
	Enumerate(cfg Config) ([]udev.Device, error)
	Listen(cfg Config) (eventSource, error)
}

type udevBackend struct {
	ctx *udev.Context
}

func (b udevBackend) Enumerate(cfg Config) ([]udev.Device, error) {
	devs, err := b.ctx.Enumerate(cfg.subsystems()...)
	if err != nil {
		return nil, err
	}

	res := devs[:0]
	for _, dev := range devs {
		if cfg.Matches(dev) {
			res = append(res, dev)
		}
	}
	return res, nil
}

func (b udevBackend) Listen(cfg Config) (eventSource, error) {
	builder, err := udev.NewMonitorBuilder(b.ctx,
		udev.WithSource(cfg.Source),
		udev.WithReceiveBufferSize(cfg.ReceiveBufferSize),
	)
	if err != nil {
		return nil, err
	}

	for _, r := range cfg.Rules {
		if err := builder.MatchSubsystemDevtype(r.Subsystem, r.Devtype); err != nil {
			builder.Close()
			return nil, err
		}
	}
	for _, tag := range cfg.Tags {
		if err := builder.MatchTag(tag); err != nil {
			builder.Close()
			return nil, err
		}
	}

	mon, err := builder.Listen()
	if err != nil {
		return nil, err
	}
	return pollingMonitor{mon}, nil
}

// pollingMonitor waits for readability with poll(2).
type pollingMonitor struct {
	*udev.Monitor
}

func (m pollingMonitor) Wait(timeout time.Duration) (bool, error) {
	return waitReadable(m.Fd(), timeout)
}

func waitReadable(fd int, timeout time.Duration) (bool, error) {
	if fd < 0 {
		return false, unix.EBADF
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return pollReady(fds[0].Revents)
}

// pollReady interprets poll revents. A receive queue overflow sets the socket
// error, which poll reports as POLLERR; ReceiveEvent consumes and counts it,
// so it is not fatal here.
func pollReady(revents int16) (bool, error) {
	if revents&unix.POLLNVAL != 0 {
		return false, unix.EBADF
	}
	return revents&(unix.POLLIN|unix.POLLERR) != 0, nil
}
