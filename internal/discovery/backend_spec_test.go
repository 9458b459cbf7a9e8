package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udev-monitor/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// udevdMessage frames an add event the way udevd broadcasts it. The
// subsystem hash is left empty, so filtering listeners drop it.
func udevdMessage(seqnum int) []byte {
	body := fmt.Sprintf("ACTION=add\x00DEVPATH=/devices/virtual/udev-monitor-test/ovf%d\x00"+
		"SUBSYSTEM=udev-monitor-test\x00SEQNUM=%d\x00", seqnum, seqnum)

	hdr := make([]byte, 40)
	copy(hdr, "libudev\x00")
	binary.BigEndian.PutUint32(hdr[8:], 0xfeedcafe)
	binary.NativeEndian.PutUint32(hdr[12:], 40)
	binary.NativeEndian.PutUint32(hdr[16:], 40)
	binary.NativeEndian.PutUint32(hdr[20:], uint32(len(body)))
	return append(hdr, body...)
}

var _ = Describe("Polling", func() {
	DescribeTable("interprets poll events",
		func(revents int16, ready bool, fails bool) {
			got, err := pollReady(revents)
			Expect(got).To(Equal(ready))
			Expect(err != nil).To(Equal(fails))
		},
		Entry("nothing", int16(0), false, false),
		Entry("readable", int16(unix.POLLIN), true, false),
		Entry("overflowed", int16(unix.POLLIN|unix.POLLERR), true, false),
		Entry("socket error only", int16(unix.POLLERR), true, false),
		Entry("closed descriptor", int16(unix.POLLNVAL), false, true),
	)

	It("waits for a readable descriptor", func() {
		var p [2]int
		Expect(unix.Pipe2(p[:], unix.O_CLOEXEC)).To(Succeed())
		DeferCleanup(unix.Close, p[0])
		DeferCleanup(unix.Close, p[1])

		ready, err := waitReadable(p[0], 10*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(ready).To(BeFalse())

		_, err = unix.Write(p[1], []byte{1})
		Expect(err).NotTo(HaveOccurred())
		ready, err = waitReadable(p[0], time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ready).To(BeTrue())

		_, err = waitReadable(-1, time.Millisecond)
		Expect(errors.Is(err, unix.EBADF)).To(BeTrue())
	})

	It("keeps reading after the receive queue overflows", func() {
		ctx, err := udev.Open()
		if err != nil {
			Skip("sysfs is not available: " + err.Error())
		}
		DeferCleanup(ctx.Close)

		src, err := udevBackend{ctx}.Listen(Config{ReceiveBufferSize: 1}.withDefaults())
		if err != nil {
			Skip("cannot open uevent socket: " + err.Error())
		}
		DeferCleanup(src.Close)

		sender, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
		if err != nil {
			Skip("cannot open sending socket: " + err.Error())
		}
		DeferCleanup(unix.Close, sender)

		group := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: uint32(udev.SourceUdev)}
		for seqnum := 1; seqnum <= 200; seqnum++ {
			if err := unix.Sendto(sender, udevdMessage(seqnum), 0, group); err != nil {
				Skip("cannot broadcast uevents: " + err.Error())
			}
		}

		ready, err := src.Wait(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ready).To(BeTrue())

		for {
			_, ok, err := src.ReceiveEvent()
			Expect(err).NotTo(HaveOccurred())
			if !ok {
				break
			}
		}
		Expect(src.(pollingMonitor).Overflows()).To(BeNumerically(">", 0))
	})
})
