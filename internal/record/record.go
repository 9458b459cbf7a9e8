// Package record keeps a YAML journal of device events, one file per
// subsystem.
package record

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kennygrant/sanitize"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/annotate"
	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

const journalExt = ".yaml"

var ErrClosed = errors.New("recorder is closed")

type entry struct {
	Seqnum      uint64            `yaml:"seqnum"`
	Action      string            `yaml:"action"`
	Syspath     string            `yaml:"syspath"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
	Properties  map[string]string `yaml:"properties"`
}

type Option interface {
	apply(*Recorder)
}

type withAnnotator struct {
	annotator annotate.Annotator
}

func (o withAnnotator) apply(r *Recorder) {
	r.annotator = o.annotator
}

// WithAnnotator stores the annotator's facts next to each event.
func WithAnnotator(annotator annotate.Annotator) Option {
	return withAnnotator{annotator}
}

// Recorder is a mux.Sink[discovery.Event] appending every device event to
// <dir>/<subsystem>.yaml. Init snapshots are not recorded.
type Recorder struct {
	dir       string
	annotator annotate.Annotator

	mu     sync.Mutex
	files  map[string]*os.File
	closed bool
}

func NewRecorder(dir string, opts ...Option) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	r := &Recorder{
		dir:   dir,
		files: make(map[string]*os.File),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(r)
	}
	return r, nil
}

// Path is the journal file events of the subsystem are written to.
func (r *Recorder) Path(subsystem string) string {
	return filepath.Join(r.dir, filepath.Base(sanitize.BaseName(subsystem))+journalExt)
}

func (r *Recorder) Submit(ev discovery.Event) error {
	var uev udev.Event
	switch e := ev.(type) {
	case discovery.Added:
		uev = e.Event
	case discovery.Removed:
		uev = e.Event
	case discovery.Changed:
		uev = e.Event
	default:
		return nil
	}

	return r.Record(uev)
}

// Record appends one event to its subsystem journal.
func (r *Recorder) Record(ev udev.Event) error {
	e := entry{
		Seqnum:     ev.SequenceNumber(),
		Action:     ev.Action(),
		Syspath:    ev.Syspath(),
		Properties: ev.Device().Properties(),
	}
	if r.annotator != nil {
		e.Annotations = r.annotator(ev)
	}

	data, err := yaml.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", e.Seqnum, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	f, err := r.file(ev.Subsystem())
	if err != nil {
		return err
	}

	// every document carries its own marker so journals can be appended to
	// across restarts
	if _, err := f.Write(append([]byte("---\n"), data...)); err != nil {
		klog.Errorf("Failed to write event %d to %s: %v", e.Seqnum, f.Name(), err)
		return err
	}
	klog.V(5).Infof("Recorded event %d to %s", e.Seqnum, f.Name())
	return nil
}

func (r *Recorder) file(subsystem string) (*os.File, error) {
	if f, ok := r.files[subsystem]; ok {
		return f, nil
	}

	path := r.Path(subsystem)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	klog.V(2).Infof("Opened event journal %s", path)
	r.files[subsystem] = f
	return f, nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for subsystem, f := range r.files {
		if err := f.Close(); err != nil {
			klog.Errorf("Failed to close journal %s: %v", f.Name(), err)
		}
		delete(r.files, subsystem)
	}
}

// Load reads a journal back in the order it was written.
func Load(path string) ([]udev.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var res []udev.Event
	dec := yaml.NewDecoder(f)
	for {
		var e entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}

		ev, err := udev.EventFromProperties(e.Properties)
		if err != nil {
			return nil, fmt.Errorf("invalid event %d in %s: %w", e.Seqnum, path, err)
		}
		res = append(res, ev)
	}
}
