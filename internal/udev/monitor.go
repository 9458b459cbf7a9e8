package udev

import (
	"errors"
	"sync/atomic"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// udevd sends messages of up to 8K
const messageBufferLen = 8192

// Monitor owns a netlink socket bound to the uevent channel. It never blocks:
// the caller waits for Fd to become readable and then calls ReceiveEvent.
// A Monitor must not be used from several goroutines at once.
type Monitor struct {
	ctx    *Context
	source Source
	rules  ruleSet

	sock atomic.Pointer[nl.NetlinkSocket]
	buf  []byte
	oob  []byte

	overflows atomic.Uint64
}

func listen(source Source, receiveBufferSize int, rules ruleSet) (*Monitor, error) {
	sock, err := nl.Subscribe(unix.NETLINK_KOBJECT_UEVENT, uint(source))
	if err != nil {
		return nil, wrapErr("listen", err)
	}

	if err := setupSocket(sock.GetFd(), source, receiveBufferSize, rules); err != nil {
		sock.Close()
		return nil, err
	}

	m := &Monitor{
		source: source,
		rules:  rules,
		buf:    make([]byte, messageBufferLen),
		oob:    make([]byte, unix.CmsgSpace(unix.SizeofUcred)),
	}
	m.sock.Store(sock)

	klog.V(2).Infof("Listening for %s events on fd %d (%d rules, %d tags)",
		source, sock.GetFd(), len(rules.rules), len(rules.tags))
	return m, nil
}

func setupSocket(fd int, source Source, receiveBufferSize int, rules ruleSet) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return wrapErr("listen: enable credentials", err)
	}

	if receiveBufferSize > 0 {
		// SO_RCVBUFFORCE ignores rmem_max but needs CAP_NET_ADMIN
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, receiveBufferSize); err != nil {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferSize); err != nil {
				return wrapErr("listen: set receive buffer", err)
			}
		}
	}

	if source != SourceUdev {
		return nil
	}
	if prog := rules.program(); prog != nil {
		return attachFilter(fd, prog)
	}
	return nil
}

// Fd returns the descriptor to poll for readability, or -1 once the monitor
// is closed.
func (m *Monitor) Fd() int {
	sock := m.sock.Load()
	if sock == nil {
		return -1
	}
	return sock.GetFd()
}

func (m *Monitor) Source() Source {
	return m.source
}

// Overflows counts how often the kernel reported a receive queue overflow.
// Events lost that way are not recovered; they show up as gaps in sequence
// numbers.
func (m *Monitor) Overflows() uint64 {
	return m.overflows.Load()
}

// ReceiveEvent reads the next pending event without blocking. ok is false
// when nothing is queued; the caller should poll again.
//
// Datagrams from untrusted senders or not matching the filter are skipped.
// A datagram that cannot be decoded is consumed and reported as a
// KindIO(IOInvalidData) error; the monitor stays usable.
func (m *Monitor) ReceiveEvent() (Event, bool, error) {
	sock := m.sock.Load()
	if sock == nil {
		return Event{}, false, newError("receive", unix.EBADF)
	}
	fd := sock.GetFd()

	for {
		n, oobn, flags, from, err := unix.Recvmsg(fd, m.buf, m.oob, unix.MSG_DONTWAIT)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return Event{}, false, nil
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.ENOBUFS):
				total := m.overflows.Add(1)
				klog.Warningf("uevent receive queue overflowed, events were dropped (%d overflows so far)", total)
				continue
			default:
				return Event{}, false, wrapErr("receive", err)
			}
		}

		ev, ok, err := m.process(m.buf[:n], m.oob[:oobn], flags, from)
		if err != nil || ok {
			return ev, ok, err
		}
	}
}

// process checks and decodes one datagram. ok is false when the datagram is
// skipped.
func (m *Monitor) process(buf, oob []byte, flags int, from unix.Sockaddr) (Event, bool, error) {
	if len(buf) == 0 {
		return Event{}, false, nil
	}
	if flags&unix.MSG_TRUNC != 0 {
		klog.V(4).Infof("Skipping truncated uevent datagram (%d bytes)", len(buf))
		return Event{}, false, nil
	}
	if !trustedSender(from) {
		klog.V(4).Infof("Skipping uevent from untrusted sender %+v", from)
		return Event{}, false, nil
	}
	if !rootCredentials(oob) {
		klog.V(4).Info("Skipping uevent without root credentials")
		return Event{}, false, nil
	}

	ev, err := decodeMessage(buf)
	if err != nil {
		klog.V(2).Infof("Failed to decode uevent: %v", err)
		return Event{}, false, err
	}

	if !m.rules.matches(ev.device) {
		klog.V(5).Infof("Filtered out %s event for %s", ev.action, ev.device.syspath)
		return Event{}, false, nil
	}

	return ev, true, nil
}

// trustedSender accepts multicast messages only, and on the kernel group
// only those sent by the kernel itself.
func trustedSender(from unix.Sockaddr) bool {
	addr, ok := from.(*unix.SockaddrNetlink)
	if !ok {
		return false
	}
	if addr.Groups == 0 {
		return false
	}
	if addr.Groups == uint32(SourceKernel) && addr.Pid != 0 {
		return false
	}
	return true
}

func rootCredentials(oob []byte) bool {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return false
	}
	for i := range msgs {
		cred, err := unix.ParseUnixCredentials(&msgs[i])
		if err != nil {
			continue
		}
		return cred.Uid == 0
	}
	return false
}

// Close closes the socket and releases the context reference. Afterwards
// ReceiveEvent and Close fail with an EBADF error and Fd returns -1.
func (m *Monitor) Close() error {
	sock := m.sock.Swap(nil)
	if sock == nil {
		return newError("close monitor", unix.EBADF)
	}

	sock.Close()
	if m.ctx != nil {
		m.ctx.release()
	}
	klog.V(2).Infof("Closed %s event monitor", m.source)
	return nil
}
