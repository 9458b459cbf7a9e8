package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/server"
	"github.com/ydb-platform/udev-monitor/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeDiscovery struct {
	devices []udev.Device
	healthy atomic.Bool
	events  *mux.Mux[discovery.Event]
	subs    atomic.Int32
}

func (f *fakeDiscovery) Subscribe(sink mux.Sink[discovery.Event]) mux.CancelFunc {
	_ = sink.Submit(discovery.Init{Devices: f.devices})
	cancel := f.events.Subscribe(sink)
	f.subs.Add(1)
	return func() {
		cancel()
		f.subs.Add(-1)
	}
}

func (f *fakeDiscovery) State(filter mux.FilterFunc[udev.Device]) map[discovery.Id]udev.Device {
	res := make(map[discovery.Id]udev.Device)
	for _, dev := range f.devices {
		if filter == nil || filter(dev) {
			res[discovery.IdOf(dev)] = dev
		}
	}
	return res
}

func (f *fakeDiscovery) Healthy() bool {
	return f.healthy.Load()
}

func (f *fakeDiscovery) Reconfigure(discovery.Config) error {
	return nil
}

func (f *fakeDiscovery) Close() {
	f.events.Close()
}

func mkEvent(seqnum int, action string, props ...string) udev.Event {
	GinkgoHelper()
	m := map[string]string{
		udev.PropertyAction: action,
		udev.PropertySeqnum: strconv.Itoa(seqnum),
	}
	for i := 0; i+1 < len(props); i += 2 {
		m[props[i]] = props[i+1]
	}
	ev, err := udev.EventFromProperties(m)
	Expect(err).NotTo(HaveOccurred())
	return ev
}

var _ = Describe("Server", func() {
	var (
		d   *fakeDiscovery
		srv *httptest.Server
	)

	BeforeEach(func() {
		d = &fakeDiscovery{
			devices: []udev.Device{
				mkEvent(1, "add", udev.PropertyDevpath, "/devices/virtual/net/lo", udev.PropertySubsystem, "net").Device(),
				mkEvent(2, "add", udev.PropertyDevpath, "/devices/virtual/block/loop0", udev.PropertySubsystem, "block", udev.PropertyDevtype, "disk").Device(),
				mkEvent(3, "add", udev.PropertyDevpath, "/devices/virtual/block/loop0/loop0p1", udev.PropertySubsystem, "block", udev.PropertyDevtype, "partition").Device(),
			},
			events: mux.Make[discovery.Event](),
		}
		d.healthy.Store(true)

		s := server.New(d, server.WithAnnotator(func(ev udev.Event) map[string]string {
			return map[string]string{"subsystem.upper": strings.ToUpper(ev.Subsystem())}
		}))
		srv = httptest.NewServer(s.Handler())
		DeferCleanup(func() {
			srv.Close()
			d.Close()
		})
	})

	Context("/healthz", func() {
		It("follows the discovery health", func() {
			resp, err := http.Get(srv.URL + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			d.healthy.Store(false)
			resp, err = http.Get(srv.URL + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})
	})

	Context("/devices", func() {
		list := func(query string) []server.DeviceInfo {
			GinkgoHelper()
			resp, err := http.Get(srv.URL + "/devices" + query)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var devices []server.DeviceInfo
			Expect(json.NewDecoder(resp.Body).Decode(&devices)).To(Succeed())
			return devices
		}

		syspaths := func(devices []server.DeviceInfo) []string {
			var res []string
			for _, dev := range devices {
				res = append(res, dev.Syspath)
			}
			return res
		}

		It("lists every device sorted by syspath", func() {
			Expect(syspaths(list(""))).To(Equal([]string{
				"/sys/devices/virtual/block/loop0",
				"/sys/devices/virtual/block/loop0/loop0p1",
				"/sys/devices/virtual/net/lo",
			}))
		})

		It("filters by subsystem and devtype", func() {
			Expect(syspaths(list("?subsystem=net"))).To(Equal([]string{"/sys/devices/virtual/net/lo"}))
			Expect(syspaths(list("?subsystem=block&devtype=partition"))).To(Equal([]string{"/sys/devices/virtual/block/loop0/loop0p1"}))
			Expect(list("?subsystem=usb")).To(BeEmpty())
		})

		It("leaves out the devtype of devices without one", func() {
			devices := list("?subsystem=net")
			Expect(devices).To(HaveLen(1))
			Expect(devices[0].Devtype).To(BeNil())
			Expect(devices[0].Sysname).To(Equal("lo"))
		})

		It("only answers GET", func() {
			resp, err := http.Post(srv.URL+"/devices", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Context("/events", func() {
		dial := func(query string) *websocket.Conn {
			GinkgoHelper()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events"+query, nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() {
				c.CloseNow()
			})
			return c
		}

		read := func(c *websocket.Conn) server.EventMessage {
			GinkgoHelper()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var msg server.EventMessage
			Expect(wsjson.Read(ctx, c, &msg)).To(Succeed())
			return msg
		}

		It("streams the initial state and matching events", func() {
			c := dial("?subsystem=net")

			first := read(c)
			Expect(first.Kind).To(Equal(server.KindInit))
			Expect(first.Devices).To(HaveLen(1))
			Expect(first.Devices[0].Syspath).To(Equal("/sys/devices/virtual/net/lo"))

			Eventually(d.subs.Load).Should(BeEquivalentTo(1))
			Expect(d.events.Submit(discovery.Added{Event: mkEvent(10, "add",
				udev.PropertyDevpath, "/devices/virtual/block/loop1", udev.PropertySubsystem, "block")})).To(Succeed())
			Expect(d.events.Submit(discovery.Changed{
				Event: mkEvent(11, "move",
					udev.PropertyDevpath, "/devices/virtual/net/wan0", udev.PropertySubsystem, "net",
					udev.PropertyDevpathOld, "/devices/virtual/net/veth0"),
				OldId: "/sys/devices/virtual/net/veth0",
			})).To(Succeed())

			msg := read(c)
			Expect(msg.Kind).To(Equal(server.KindChanged))
			Expect(msg.Seqnum).To(Equal(uint64(11)))
			Expect(msg.Action).To(Equal("move"))
			Expect(msg.OldSyspath).To(Equal("/sys/devices/virtual/net/veth0"))
			Expect(msg.Device.Sysname).To(Equal("wan0"))
			Expect(msg.Annotations).To(HaveKeyWithValue("subsystem.upper", "NET"))
		})

		It("unsubscribes when the client leaves", func() {
			c := dial("")
			Expect(read(c).Kind).To(Equal(server.KindInit))
			Eventually(d.subs.Load).Should(BeEquivalentTo(1))

			c.Close(websocket.StatusNormalClosure, "bye")
			Eventually(d.subs.Load).Should(BeEquivalentTo(0))
		})

		It("accepts other origins only when configured", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			url := func(s *httptest.Server) string {
				return "ws" + strings.TrimPrefix(s.URL, "http") + "/events"
			}
			opts := &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": []string{"http://dashboard.example.com"}},
			}

			_, resp, err := websocket.Dial(ctx, url(srv), opts)
			Expect(err).To(HaveOccurred())
			Expect(resp).NotTo(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))

			allowed := httptest.NewServer(server.New(d, server.WithOriginPatterns("dashboard.example.com")).Handler())
			DeferCleanup(allowed.Close)

			c, _, err := websocket.Dial(ctx, url(allowed), opts)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() {
				c.CloseNow()
			})
			Expect(read(c).Kind).To(Equal(server.KindInit))
		})

		It("closes the stream when discovery stops", func() {
			c := dial("")
			Expect(read(c).Kind).To(Equal(server.KindInit))
			Eventually(d.subs.Load).Should(BeEquivalentTo(1))

			d.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _, err := c.Read(ctx)
			Expect(websocket.CloseStatus(err)).To(Equal(websocket.StatusGoingAway))
		})
	})
})
