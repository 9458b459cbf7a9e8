package udev

import (
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// Source selects the netlink multicast group a monitor listens on.
type Source uint

const (
	// SourceKernel receives uevents straight from the kernel, before udevd
	// has processed them.
	SourceKernel Source = 1
	// SourceUdev receives events re-broadcast by udevd after rule
	// processing. This is what most consumers want.
	SourceUdev Source = 2
)

func (s Source) String() string {
	switch s {
	case SourceKernel:
		return "kernel"
	case SourceUdev:
		return "udev"
	default:
		return "unknown"
	}
}

// ParseSource accepts "kernel" and "udev".
func ParseSource(name string) (Source, error) {
	switch name {
	case "kernel":
		return SourceKernel, nil
	case "udev":
		return SourceUdev, nil
	}
	return 0, newError("parse source "+name, unix.EINVAL)
}

type Option interface {
	apply(*MonitorBuilder)
}

type withSource struct {
	source Source
}

func (o withSource) apply(b *MonitorBuilder) {
	b.source = o.source
}

// WithSource picks the event source; SourceUdev by default.
func WithSource(source Source) Option {
	return withSource{source}
}

type withReceiveBufferSize struct {
	size int
}

func (o withReceiveBufferSize) apply(b *MonitorBuilder) {
	b.receiveBufferSize = o.size
}

// WithReceiveBufferSize sets the socket receive buffer. A larger buffer makes
// kernel-side drops less likely for slow consumers.
func WithReceiveBufferSize(size int) Option {
	return withReceiveBufferSize{size}
}

// MonitorBuilder collects filter rules for a monitor. It is single-use:
// Listen consumes it, and every later call fails with KindInvalidInput.
type MonitorBuilder struct {
	ctx               *Context
	source            Source
	receiveBufferSize int
	rules             ruleSet
	consumed          bool
}

// NewMonitorBuilder takes a reference on ctx that is handed over to the
// Monitor built by Listen.
func NewMonitorBuilder(ctx *Context, opts ...Option) (*MonitorBuilder, error) {
	const op = "new monitor"

	if ctx == nil {
		return nil, newError(op, unix.EINVAL)
	}

	b := &MonitorBuilder{
		ctx:    ctx,
		source: SourceUdev,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(b)
	}

	if b.source != SourceKernel && b.source != SourceUdev {
		return nil, newError(op, unix.EINVAL)
	}
	if b.receiveBufferSize < 0 {
		return nil, newError(op, unix.EINVAL)
	}

	if err := ctx.acquire(op); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MonitorBuilder) usable(op string) error {
	if b.consumed {
		return newError(op+": builder already listened", unix.EINVAL)
	}
	return nil
}

// MatchSubsystem delivers devices of the subsystem, whatever their devtype.
func (b *MonitorBuilder) MatchSubsystem(subsystem string) error {
	return b.MatchSubsystemDevtype(subsystem, "")
}

// MatchSubsystemDevtype delivers devices of the subsystem with exactly the
// given devtype. An empty devtype matches any.
func (b *MonitorBuilder) MatchSubsystemDevtype(subsystem, devtype string) error {
	const op = "match subsystem"

	if err := b.usable(op); err != nil {
		return err
	}
	if err := validMatchString(op, subsystem); err != nil {
		return err
	}
	if strings.IndexByte(devtype, 0) >= 0 {
		return newError(op, unix.EINVAL)
	}

	r := rule{subsystem: subsystem, devtype: devtype}
	if !slices.Contains(b.rules.rules, r) {
		b.rules.rules = append(b.rules.rules, r)
	}
	return nil
}

// MatchTag delivers only devices carrying one of the registered udev tags.
// Kernel events carry no tags, so with SourceKernel nothing passes.
func (b *MonitorBuilder) MatchTag(tag string) error {
	const op = "match tag"

	if err := b.usable(op); err != nil {
		return err
	}
	if err := validMatchString(op, tag); err != nil {
		return err
	}
	if slices.Contains(b.rules.tags, tag) {
		return nil
	}
	if len(b.rules.tags) >= maxTagRules {
		return newError(op, unix.EINVAL)
	}

	b.rules.tags = append(b.rules.tags, tag)
	return nil
}

// Listen opens the socket, installs the filter and returns the active
// Monitor. The builder cannot be used afterwards, whether Listen succeeds or
// not.
func (b *MonitorBuilder) Listen() (*Monitor, error) {
	if err := b.usable("listen"); err != nil {
		return nil, err
	}
	b.consumed = true

	mon, err := listen(b.source, b.receiveBufferSize, b.rules.clone())
	if err != nil {
		b.ctx.release()
		return nil, err
	}

	mon.ctx = b.ctx
	return mon, nil
}

// Close abandons a builder that will not listen and releases its context
// reference.
func (b *MonitorBuilder) Close() error {
	if err := b.usable("close builder"); err != nil {
		return err
	}
	b.consumed = true
	b.ctx.release()
	return nil
}
