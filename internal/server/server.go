// Package server exposes the device state over HTTP: a health probe, a JSON
// device listing and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/annotate"
	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

const (
	defaultClientBuffer = 64
	writeTimeout        = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type Option interface {
	apply(*Server)
}

type withAnnotator struct {
	annotator annotate.Annotator
}

func (o withAnnotator) apply(s *Server) {
	s.annotator = o.annotator
}

func WithAnnotator(annotator annotate.Annotator) Option {
	return withAnnotator{annotator}
}

type withClientBuffer struct {
	size int
}

func (o withClientBuffer) apply(s *Server) {
	s.clientBuffer = o.size
}

type withOriginPatterns struct {
	patterns []string
}

func (o withOriginPatterns) apply(s *Server) {
	s.originPatterns = append(s.originPatterns, o.patterns...)
}

// WithOriginPatterns lets browser pages from other hosts open the event
// stream. Patterns are matched against the Origin host with path.Match.
// Without it only same-origin pages and clients sending no Origin header are
// accepted.
func WithOriginPatterns(patterns ...string) Option {
	return withOriginPatterns{patterns}
}

// WithClientBuffer sets how many events a websocket client may lag behind
// before events are dropped for it.
func WithClientBuffer(size int) Option {
	return withClientBuffer{size}
}

type Server struct {
	discovery    discovery.Discovery
	annotator    annotate.Annotator
	clientBuffer int
	mux          *http.ServeMux

	originPatterns []string
}

func New(d discovery.Discovery, opts ...Option) *Server {
	s := &Server{
		discovery:    d,
		clientBuffer: defaultClientBuffer,
		mux:          http.NewServeMux(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(s)
	}

	s.mux.HandleFunc("/healthz", s.Healthz)
	s.mux.HandleFunc("/devices", s.Devices)
	s.mux.HandleFunc("/events", s.Events)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("failed to shut down http server: %v", err)
		}
	}()

	klog.Infof("Starting http server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Healthz(resp http.ResponseWriter, req *http.Request) {
	if s.discovery.Healthy() {
		resp.WriteHeader(http.StatusOK)
		fmt.Fprintln(resp, "ok")
		return
	}
	klog.V(2).Info("healthz: udev monitor is disconnected")
	resp.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintln(resp, "udev monitor is disconnected")
}

// deviceFilter selects devices by the subsystem and devtype query parameters.
func deviceFilter(req *http.Request) mux.FilterFunc[udev.Device] {
	query := req.URL.Query()

	var subsystem, devtype mux.FilterFunc[udev.Device]
	if query.Has("subsystem") {
		subsystem = mux.By(udev.Device.Subsystem, query.Get("subsystem"))
	}
	if query.Has("devtype") {
		want := query.Get("devtype")
		devtype = func(dev udev.Device) bool {
			got, ok := dev.Devtype()
			return ok && got == want
		}
	}
	return mux.And(subsystem, devtype)
}

func (s *Server) Devices(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		resp.Header().Set("Allow", http.MethodGet)
		http.Error(resp, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.discovery.State(deviceFilter(req))
	devices := make([]DeviceInfo, 0, len(state))
	for _, dev := range state {
		devices = append(devices, deviceInfo(dev))
	}
	slices.SortFunc(devices, func(a, b DeviceInfo) int {
		return strings.Compare(a.Syspath, b.Syspath)
	})

	resp.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(resp).Encode(devices); err != nil {
		klog.Errorf("failed to write device list: %v", err)
	}
}

// Events streams device events to a websocket client. The stream starts with
// an init message holding the matching devices.
func (s *Server) Events(resp http.ResponseWriter, req *http.Request) {
	filter := deviceFilter(req)

	c, err := websocket.Accept(resp, req, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		klog.Errorf("failed to accept websocket client: %v", err)
		return
	}
	defer c.CloseNow()

	// the client only listens; reading detects when it goes away
	ctx := c.CloseRead(req.Context())

	events := make(chan discovery.Event, s.clientBuffer)
	cancel := s.discovery.Subscribe(mux.DroppingSinkFromChan(events))
	defer cancel()

	klog.V(2).Infof("websocket client %s subscribed to events", req.RemoteAddr)
	defer klog.V(2).Infof("websocket client %s unsubscribed", req.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "device discovery stopped")
				return
			}
			msg, ok := s.message(ev, filter)
			if !ok {
				continue
			}

			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c, msg)
			cancelWrite()
			if err != nil {
				klog.V(2).Infof("failed to write event to %s: %v", req.RemoteAddr, err)
				return
			}
		}
	}
}
