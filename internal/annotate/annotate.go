// Package annotate derives extra key/value facts about devices from sysfs and
// related kernel interfaces, for printing and recording alongside events.
package annotate

import (
	"maps"
	"regexp"
	"strings"

	"github.com/ydb-platform/udev-monitor/internal/udev"
)

// Annotator returns facts about the event's device, or nil when it has
// nothing to say about it.
type Annotator func(udev.Event) map[string]string

// SysattrFunc reads a sysfs attribute, like udev.Context.Sysattr.
type SysattrFunc func(syspath, name string) (string, error)

// Chain merges the annotations of all annotators. Earlier annotators win on
// conflicting keys.
func Chain(annotators ...Annotator) Annotator {
	return func(ev udev.Event) map[string]string {
		var res map[string]string
		for i := len(annotators) - 1; i >= 0; i-- {
			if annotators[i] == nil {
				continue
			}
			facts := annotators[i](ev)
			if len(facts) == 0 {
				continue
			}
			if res == nil {
				res = make(map[string]string, len(facts))
			}
			maps.Copy(res, facts)
		}
		return res
	}
}

// label extracts the part of name the matcher selects: the capture groups
// joined with '_', or the whole name without groups. A nil matcher selects
// everything.
func label(matcher *regexp.Regexp, name string) (string, bool) {
	if matcher == nil {
		return name, true
	}

	matches := matcher.FindStringSubmatch(name)
	if len(matches) == 0 {
		return "", false
	}
	if len(matches) == 1 {
		return name, true
	}
	return strings.Join(matches[1:], "_"), true
}

// removed devices are gone from sysfs
func live(ev udev.Event) bool {
	return ev.Type() != udev.EventRemove
}
