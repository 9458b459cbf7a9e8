package discovery

import (
	"slices"
	"time"

	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

// Id identifies a device by its syspath.
type Id string

func IdOf(dev udev.Device) Id {
	return Id(dev.Syspath())
}

type Event interface {
	eventSealed()
}

// Init carries the full device state. It is the first event of every
// subscription and is broadcast again after a reconnect or reconfiguration.
type Init struct {
	Devices []udev.Device
}

func (Init) eventSealed() {}

type Added struct {
	udev.Event
}

func (Added) eventSealed() {}

type Removed struct {
	udev.Event
}

func (Removed) eventSealed() {}

// Changed covers change, move, bind and unbind. OldId is set for moves.
type Changed struct {
	udev.Event
	OldId Id
}

func (Changed) eventSealed() {}

type Rule struct {
	Subsystem string
	Devtype   string
}

type Config struct {
	Source            udev.Source
	ReceiveBufferSize int
	Rules             []Rule
	Tags              []string
	// PollTimeout bounds how long the reader waits for the socket before
	// checking whether it should stop.
	PollTimeout time.Duration
}

const DefaultPollTimeout = 500 * time.Millisecond

func (c Config) withDefaults() Config {
	if c.Source == 0 {
		c.Source = udev.SourceUdev
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

// Matches applies the rules in userspace, the same way the monitor filter
// does: one of the tags and one of the rules must match.
func (c Config) Matches(dev udev.Device) bool {
	if len(c.Tags) > 0 && !slices.ContainsFunc(c.Tags, dev.HasTag) {
		return false
	}
	if len(c.Rules) == 0 {
		return true
	}
	for _, r := range c.Rules {
		if r.Subsystem != dev.Subsystem() {
			continue
		}
		if r.Devtype == "" {
			return true
		}
		if devtype, ok := dev.Devtype(); ok && devtype == r.Devtype {
			return true
		}
	}
	return false
}

func (c Config) subsystems() []string {
	var res []string
	for _, r := range c.Rules {
		if !slices.Contains(res, r.Subsystem) {
			res = append(res, r.Subsystem)
		}
	}
	return res
}

type Discovery interface {
	mux.Source[Event]
	State(mux.FilterFunc[udev.Device]) map[Id]udev.Device
	// Healthy reports whether the monitor is connected.
	Healthy() bool
	// Reconfigure replaces the monitor. On error the previous one stays.
	Reconfigure(Config) error
	Close()
}
