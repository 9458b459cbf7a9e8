package discovery

import (
	"strconv"
	"sync"
	"time"

	"github.com/ydb-platform/udev-monitor/internal/udev"

	. "github.com/onsi/gomega"
)

type fakeSource struct {
	mu     sync.Mutex
	queue  []any
	closed bool
}

func (f *fakeSource) push(items ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, items...)
}

func (f *fakeSource) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	pending := len(f.queue) > 0
	f.mu.Unlock()
	if !pending {
		time.Sleep(min(timeout, 5*time.Millisecond))
	}
	return pending, nil
}

func (f *fakeSource) ReceiveEvent() (udev.Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return udev.Event{}, false, nil
	}
	item := f.queue[0]
	f.queue = f.queue[1:]
	switch v := item.(type) {
	case error:
		return udev.Event{}, false, v
	case udev.Event:
		return v, true, nil
	}
	panic("unexpected queue item")
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	mu        sync.Mutex
	devices   []udev.Device
	listenErr error
	attempts  int
	sources   []*fakeSource
	configs   []Config
}

func (b *fakeBackend) Enumerate(cfg Config) ([]udev.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res []udev.Device
	for _, dev := range b.devices {
		if cfg.Matches(dev) {
			res = append(res, dev)
		}
	}
	return res, nil
}

func (b *fakeBackend) Listen(cfg Config) (eventSource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.listenErr != nil {
		return nil, b.listenErr
	}
	src := &fakeSource{}
	b.sources = append(b.sources, src)
	b.configs = append(b.configs, cfg)
	return src, nil
}

func (b *fakeBackend) setListenErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listenErr = err
}

// listenAttempts counts failed listens too.
func (b *fakeBackend) listenAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *fakeBackend) listens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sources)
}

func (b *fakeBackend) source() *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources[len(b.sources)-1]
}

func device(devpath, subsystem string, extra ...string) udev.Device {
	props := map[string]string{
		udev.PropertyDevpath:   devpath,
		udev.PropertySubsystem: subsystem,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		props[extra[i]] = extra[i+1]
	}
	dev, err := udev.DeviceFromProperties(props)
	Expect(err).NotTo(HaveOccurred())
	return dev
}

func event(seqnum int, action, devpath, subsystem string, extra ...string) udev.Event {
	props := map[string]string{
		udev.PropertyAction:    action,
		udev.PropertyDevpath:   devpath,
		udev.PropertySubsystem: subsystem,
		udev.PropertySeqnum:    strconv.Itoa(seqnum),
	}
	for i := 0; i+1 < len(extra); i += 2 {
		props[extra[i]] = extra[i+1]
	}
	ev, err := udev.EventFromProperties(props)
	Expect(err).NotTo(HaveOccurred())
	return ev
}
