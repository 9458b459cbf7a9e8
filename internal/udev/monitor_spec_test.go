package udev_test

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udev-monitor/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func isInvalidInput(err error) bool {
	var uerr *udev.Error
	return errors.As(err, &uerr) && uerr.Kind() == udev.KindInvalidInput
}

var _ = Describe("Monitor", func() {
	var ctx *udev.Context

	BeforeEach(func() {
		var err error
		ctx, err = udev.Open()
		if err != nil {
			Skip("sysfs is not available: " + err.Error())
		}
		DeferCleanup(func() {
			_ = ctx.Close()
		})
	})

	listen := func(b *udev.MonitorBuilder) *udev.Monitor {
		GinkgoHelper()
		mon, err := b.Listen()
		if err != nil {
			Skip("cannot open uevent socket: " + err.Error())
		}
		return mon
	}

	Context("builder", func() {
		It("rejects a missing context", func() {
			_, err := udev.NewMonitorBuilder(nil)
			Expect(isInvalidInput(err)).To(BeTrue())
		})

		It("rejects an unknown source", func() {
			_, err := udev.NewMonitorBuilder(ctx, udev.WithSource(udev.Source(7)))
			Expect(isInvalidInput(err)).To(BeTrue())
		})

		It("rejects a negative receive buffer", func() {
			_, err := udev.NewMonitorBuilder(ctx, udev.WithReceiveBufferSize(-1))
			Expect(isInvalidInput(err)).To(BeTrue())
		})

		DescribeTable("rejects bad match strings",
			func(match func(*udev.MonitorBuilder) error) {
				b, err := udev.NewMonitorBuilder(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(isInvalidInput(match(b))).To(BeTrue())
			},
			Entry("empty subsystem", func(b *udev.MonitorBuilder) error { return b.MatchSubsystem("") }),
			Entry("NUL in subsystem", func(b *udev.MonitorBuilder) error { return b.MatchSubsystem("us\x00b") }),
			Entry("NUL in devtype", func(b *udev.MonitorBuilder) error {
				return b.MatchSubsystemDevtype("usb", "usb\x00device")
			}),
			Entry("empty tag", func(b *udev.MonitorBuilder) error { return b.MatchTag("") }),
		)

		It("cannot be used after Listen", func() {
			b, err := udev.NewMonitorBuilder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.MatchSubsystem("net")).To(Succeed())

			mon := listen(b)
			DeferCleanup(mon.Close)

			Expect(isInvalidInput(b.MatchSubsystem("block"))).To(BeTrue())
			Expect(isInvalidInput(b.MatchTag("seat"))).To(BeTrue())
			_, err = b.Listen()
			Expect(isInvalidInput(err)).To(BeTrue())
		})

		It("gives its context reference back when abandoned", func() {
			b, err := udev.NewMonitorBuilder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.MatchTag("seat")).To(Succeed())

			Expect(b.Close()).To(Succeed())
			Expect(isInvalidInput(b.Close())).To(BeTrue())
			_, err = b.Listen()
			Expect(isInvalidInput(err)).To(BeTrue())

			Expect(ctx.Close()).To(Succeed())
			_, err = ctx.Sysattr("/sys/devices/virtual/net/lo", "mtu")
			Expect(errors.Is(err, unix.EBADF)).To(BeTrue())
		})

		It("parses source names", func() {
			Expect(udev.ParseSource("kernel")).To(Equal(udev.SourceKernel))
			Expect(udev.ParseSource("udev")).To(Equal(udev.SourceUdev))
			_, err := udev.ParseSource("hal")
			Expect(isInvalidInput(err)).To(BeTrue())
			Expect(udev.SourceKernel.String()).To(Equal("kernel"))
		})
	})

	Context("socket", func() {
		It("returns no event without blocking", func() {
			b, err := udev.NewMonitorBuilder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.MatchSubsystem("udev-monitor-test")).To(Succeed())
			mon := listen(b)
			DeferCleanup(mon.Close)

			Expect(mon.Fd()).To(BeNumerically(">=", 0))
			Expect(mon.Source()).To(Equal(udev.SourceUdev))

			start := time.Now()
			_, ok, err := mon.ReceiveEvent()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})

		It("fails cleanly after Close", func() {
			b, err := udev.NewMonitorBuilder(ctx, udev.WithSource(udev.SourceKernel), udev.WithReceiveBufferSize(1<<20))
			Expect(err).NotTo(HaveOccurred())
			mon := listen(b)

			Expect(mon.Close()).To(Succeed())
			Expect(mon.Fd()).To(Equal(-1))

			_, ok, err := mon.ReceiveEvent()
			Expect(ok).To(BeFalse())
			Expect(errors.Is(err, unix.EBADF)).To(BeTrue())
			Expect(errors.Is(mon.Close(), unix.EBADF)).To(BeTrue())
		})

		It("keeps the context alive until the monitor is closed", func() {
			b, err := udev.NewMonitorBuilder(ctx)
			Expect(err).NotTo(HaveOccurred())
			mon := listen(b)

			Expect(ctx.Close()).To(Succeed())
			_, err = ctx.Enumerate("udev-monitor-test")
			Expect(err).NotTo(HaveOccurred())

			Expect(mon.Close()).To(Succeed())
			_, err = ctx.Enumerate("udev-monitor-test")
			Expect(errors.Is(err, unix.EBADF)).To(BeTrue())

			_, err = udev.NewMonitorBuilder(ctx)
			Expect(errors.Is(err, unix.EBADF)).To(BeTrue())
		})
	})

	Context("context", func() {
		It("fails the second Close", func() {
			Expect(ctx.Close()).To(Succeed())
			Expect(errors.Is(ctx.Close(), unix.EBADF)).To(BeTrue())
		})

		It("releases the builder reference when Listen fails", func() {
			b, err := udev.NewMonitorBuilder(ctx)
			Expect(err).NotTo(HaveOccurred())
			mon, err := b.Listen()
			if err == nil {
				Expect(mon.Close()).To(Succeed())
			}
			Expect(ctx.Close()).To(Succeed())
			_, err = ctx.Sysattr("/sys/devices/virtual/net/lo", "mtu")
			Expect(errors.Is(err, unix.EBADF)).To(BeTrue())
		})
	})
})
