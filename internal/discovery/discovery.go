package discovery

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

const (
	reconnectInterval = 1 * time.Second
	spuriousWakeDelay = 10 * time.Millisecond
)

var ErrClosed = errors.New("discovery is closed")

type monitorRequest interface {
	requestSealed()
}

type stateRequest struct {
	filter mux.FilterFunc[udev.Device]
}

func (r stateRequest) requestSealed() {}

type reconfigureRequest struct {
	cfg Config
}

func (r reconfigureRequest) requestSealed() {}

type stopRequest struct{}

func (r stopRequest) requestSealed() {}

type newSub struct {
	sink mux.Sink[Event]
}

func (n newSub) requestSealed() {}

// reader drains one event source on its own goroutine.
type reader struct {
	src    eventSource
	events chan udev.Event
	errs   chan error
	stop   chan struct{}
	done   chan struct{}
}

func startReader(src eventSource, timeout time.Duration) *reader {
	r := &reader{
		src:    src,
		events: make(chan udev.Event),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run(timeout)
	return r
}

func (r *reader) run(timeout time.Duration) {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		ready, err := r.src.Wait(timeout)
		if err != nil {
			r.errs <- err
			return
		}
		if !ready {
			continue
		}

		received := 0
		for {
			ev, ok, err := r.src.ReceiveEvent()
			if err != nil {
				if isDecodeError(err) {
					klog.Warningf("Dropping malformed device event: %v", err)
					continue
				}
				r.errs <- err
				return
			}
			if !ok {
				break
			}
			received++

			select {
			case r.events <- ev:
			case <-r.stop:
				return
			}
		}

		if received == 0 {
			time.Sleep(spuriousWakeDelay)
		}
	}
}

func (r *reader) close() {
	close(r.stop)
	<-r.done
	if err := r.src.Close(); err != nil {
		klog.V(2).Infof("Failed to close device monitor: %v", err)
	}
}

func isDecodeError(err error) bool {
	var uerr *udev.Error
	return errors.As(err, &uerr) && uerr.Kind() == udev.KindIO(udev.IOInvalidData)
}

type udevDiscovery struct {
	backend  backend
	cfg      Config
	state    map[Id]udev.Device // should be accessed only by monitor goroutine
	reader   *reader
	requests chan mux.AwaitReply[monitorRequest, any]
	done     chan struct{}
	mux      *mux.Mux[Event]
	healthy  atomic.Bool
}

// New enumerates the devices matching cfg and starts following their events.
// The goroutine it starts is tracked by wg.
func New(ctx *udev.Context, cfg Config, wg *sync.WaitGroup) (Discovery, error) {
	return newDiscovery(udevBackend{ctx}, cfg, wg)
}

func newDiscovery(b backend, cfg Config, wg *sync.WaitGroup) (*udevDiscovery, error) {
	cfg = cfg.withDefaults()

	d := &udevDiscovery{
		backend:  b,
		cfg:      cfg,
		state:    make(map[Id]udev.Device),
		requests: make(chan mux.AwaitReply[monitorRequest, any]),
		done:     make(chan struct{}),
		mux:      mux.Make[Event](),
	}

	// listen before enumerating so nothing falls between the two
	src, err := b.Listen(cfg)
	if err != nil {
		klog.Errorf("Failed to listen for device events: %v", err)
		d.mux.Close()
		return nil, err
	}

	if err := d.resync(); err != nil {
		src.Close()
		d.mux.Close()
		return nil, err
	}

	d.reader = startReader(src, cfg.PollTimeout)
	d.healthy.Store(true)

	wg.Add(1)
	go d.monitor(wg)

	return d, nil
}

func (d *udevDiscovery) resync() error {
	devs, err := d.backend.Enumerate(d.cfg)
	if err != nil {
		klog.Errorf("Failed to enumerate devices: %v", err)
		return err
	}

	clear(d.state)
	for _, dev := range devs {
		d.state[IdOf(dev)] = dev
	}
	klog.V(2).Infof("Enumerated %d devices", len(d.state))
	return nil
}

func (d *udevDiscovery) snapshot() Init {
	devs := slices.Collect(maps.Values(d.state))
	slices.SortFunc(devs, func(a, b udev.Device) int {
		return cmp.Compare(IdOf(a), IdOf(b))
	})
	return Init{Devices: devs}
}

func (d *udevDiscovery) submit(ev Event) {
	if err := d.mux.Submit(ev); err != nil {
		klog.Errorf("Failed to submit device event: %v", err)
	}
}

func (d *udevDiscovery) handle(ev udev.Event) {
	dev := ev.Device()
	id := IdOf(dev)
	klog.V(5).Infof("Received device event %d (%s): %s", ev.SequenceNumber(), ev.Action(), id)

	switch ev.Type() {
	case udev.EventAdd, udev.EventOnline:
		d.state[id] = dev
		d.submit(Added{ev})
	case udev.EventRemove, udev.EventOffline:
		delete(d.state, id)
		d.submit(Removed{ev})
	case udev.EventMove:
		var oldId Id
		if old, ok := dev.Property(udev.PropertyDevpathOld); ok && old != "" {
			oldId = Id(udev.SysfsRoot + old)
			delete(d.state, oldId)
		}
		d.state[id] = dev
		d.submit(Changed{Event: ev, OldId: oldId})
	default:
		d.state[id] = dev
		d.submit(Changed{Event: ev})
	}
}

func (d *udevDiscovery) reconfigure(cfg Config) error {
	cfg = cfg.withDefaults()

	src, err := d.backend.Listen(cfg)
	if err != nil {
		return err
	}

	prev := d.cfg
	d.cfg = cfg
	if err := d.resync(); err != nil {
		d.cfg = prev
		src.Close()
		return err
	}

	if d.reader != nil {
		d.reader.close()
	}
	d.reader = startReader(src, cfg.PollTimeout)
	d.healthy.Store(true)
	klog.Infof("Reconfigured device monitor: %d rules, %d tags", len(cfg.Rules), len(cfg.Tags))

	d.submit(d.snapshot())
	return nil
}

// reconnect is tried until it succeeds; events in between are lost.
func (d *udevDiscovery) reconnect() bool {
	src, err := d.backend.Listen(d.cfg)
	if err != nil {
		klog.Errorf("Failed to reconnect to udev, retrying: %v", err)
		return false
	}
	if err := d.resync(); err != nil {
		src.Close()
		return false
	}

	if d.reader != nil {
		d.reader.close()
	}
	d.reader = startReader(src, d.cfg.PollTimeout)
	d.healthy.Store(true)
	klog.Infof("Successfully reconnected to udev")

	d.submit(d.snapshot())
	return true
}

func (d *udevDiscovery) monitor(wg *sync.WaitGroup) {
	defer wg.Done()
	defer d.mux.Close()
	defer close(d.done)

	var retry <-chan time.Time

	for {
		var (
			events <-chan udev.Event
			errs   <-chan error
		)
		if d.reader != nil {
			events, errs = d.reader.events, d.reader.errs
		}

		select {
		case ev := <-events:
			d.handle(ev)
		case err := <-errs:
			klog.Errorf("Error from udev monitor, will try to retry connecting to udev: %v", err)
			d.healthy.Store(false)
			d.reader.close()
			d.reader = nil
			if !d.reconnect() {
				retry = time.After(reconnectInterval)
			}
		case <-retry:
			retry = nil
			if !d.reconnect() {
				retry = time.After(reconnectInterval)
			}
		case req := <-d.requests:
			switch r := req.Value().(type) {
			case stateRequest:
				state := make(map[Id]udev.Device)
				for k, v := range d.state {
					if r.filter == nil || r.filter(v) {
						state[k] = v
					}
				}
				req.Reply(state)
			case reconfigureRequest:
				err := d.reconfigure(r.cfg)
				if err == nil {
					// the new monitor replaces the one being retried
					retry = nil
				}
				req.Reply(err)
			case newSub:
				if err := r.sink.Submit(d.snapshot()); err != nil {
					klog.Errorf("Failed to submit init event: %v", err)
				}
				cancel := d.mux.Subscribe(r.sink)
				req.Reply(cancel)
			case stopRequest:
				d.healthy.Store(false)
				if d.reader != nil {
					d.reader.close()
					d.reader = nil
				}
				req.Reply(nil)
				return
			}
		}
	}
}

func (d *udevDiscovery) request(r monitorRequest) (any, bool) {
	await := mux.NewAwaitReply[monitorRequest, any](r)
	select {
	case d.requests <- await:
		return await.Await(), true
	case <-d.done:
		return nil, false
	}
}

// State returns the current state of the devices as seen by the monitor.
// A nil filter selects every device.
func (d *udevDiscovery) State(filter mux.FilterFunc[udev.Device]) map[Id]udev.Device {
	state, ok := d.request(stateRequest{filter: filter})
	if !ok {
		return map[Id]udev.Device{}
	}
	return state.(map[Id]udev.Device)
}

func (d *udevDiscovery) Healthy() bool {
	return d.healthy.Load()
}

func (d *udevDiscovery) Reconfigure(cfg Config) error {
	res, ok := d.request(reconfigureRequest{cfg})
	if !ok {
		return ErrClosed
	}
	if res == nil {
		return nil
	}
	return res.(error)
}

func (d *udevDiscovery) Subscribe(sink mux.Sink[Event]) mux.CancelFunc {
	// here we're doing initialization in monitor goroutine
	// to be able to pass consistent Init event to the sink
	// before making fan out of udev events
	cancel, ok := d.request(newSub{sink})
	if !ok {
		sink.Close()
		return func() {}
	}
	return cancel.(mux.CancelFunc)
}

func (d *udevDiscovery) Close() {
	d.request(stopRequest{})
}
