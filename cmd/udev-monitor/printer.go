package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ydb-platform/udev-monitor/internal/annotate"
	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

// printer writes one line per event:
//
//	seq: action syspath (subsystem=..., sysname=..., devtype=...) key=value...
type printer struct {
	out io.Writer

	mu        sync.Mutex
	filter    mux.FilterFunc[udev.Device]
	annotator annotate.Annotator
}

func newPrinter(out io.Writer, filter mux.FilterFunc[udev.Device], annotator annotate.Annotator) *printer {
	return &printer{
		out:       out,
		filter:    filter,
		annotator: annotator,
	}
}

func (p *printer) reconfigure(filter mux.FilterFunc[udev.Device], annotator annotate.Annotator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = filter
	p.annotator = annotator
}

func (p *printer) Submit(ev discovery.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case discovery.Init:
		n := 0
		for _, dev := range e.Devices {
			if p.filter(dev) {
				n++
			}
		}
		_, err := fmt.Fprintf(p.out, "init: %d devices\n", n)
		return err
	case discovery.Added:
		return p.print(e.Event)
	case discovery.Removed:
		return p.print(e.Event)
	case discovery.Changed:
		return p.print(e.Event)
	}
	return nil
}

func (p *printer) print(ev udev.Event) error {
	if !p.filter(ev.Device()) {
		return nil
	}

	var line strings.Builder
	devtype, _ := ev.Devtype()
	fmt.Fprintf(&line, "%d: %s %s (subsystem=%s, sysname=%s, devtype=%s)",
		ev.SequenceNumber(), ev.Action(), ev.Syspath(), ev.Subsystem(), ev.Sysname(), devtype)

	if p.annotator != nil {
		facts := p.annotator(ev)
		for _, key := range slices.Sorted(maps.Keys(facts)) {
			fmt.Fprintf(&line, " %s=%s", key, facts[key])
		}
	}
	line.WriteByte('\n')

	_, err := io.WriteString(p.out, line.String())
	return err
}

func (p *printer) Close() {}
