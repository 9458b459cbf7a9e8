package udev

import (
	"slices"
	"strings"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Layout of the header udevd puts in front of every message it broadcasts.
const (
	libudevPrefix = "libudev\x00"
	libudevMagic  = 0xfeedcafe

	offMagic         = 8
	offHeaderSize    = 12
	offPropertiesOff = 16
	offPropertiesLen = 20
	offSubsystemHash = 24
	offDevtypeHash   = 28
	offTagBloomHi    = 32
	offTagBloomLo    = 36
	libudevHeaderLen = 40

	passPacket = 0xffffffff
	dropPacket = 0

	maxFilterInstructions = 4096
	// tag blocks are skipped with an 8-bit jump offset
	maxTagRules = 42
)

type rule struct {
	subsystem string
	devtype   string // empty matches any devtype
}

// ruleSet is the filter a monitor is built with: any rule and any tag must
// match. Empty sections match everything.
type ruleSet struct {
	rules []rule
	tags  []string
}

func (s ruleSet) empty() bool {
	return len(s.rules) == 0 && len(s.tags) == 0
}

func (s ruleSet) clone() ruleSet {
	return ruleSet{
		rules: slices.Clone(s.rules),
		tags:  slices.Clone(s.tags),
	}
}

func (s ruleSet) matches(dev Device) bool {
	if len(s.tags) > 0 && !slices.ContainsFunc(s.tags, dev.HasTag) {
		return false
	}

	if len(s.rules) == 0 {
		return true
	}

	for _, r := range s.rules {
		if r.subsystem != dev.subsystem {
			continue
		}
		if r.devtype == "" {
			return true
		}
		if devtype, ok := dev.Devtype(); ok && devtype == r.devtype {
			return true
		}
	}
	return false
}

// program builds the socket filter. Packets without the libudev header pass,
// so kernel-framed messages are only checked in userspace.
func (s ruleSet) program() []bpf.Instruction {
	if s.empty() {
		return nil
	}

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offMagic, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: libudevMagic, SkipTrue: 1},
		bpf.RetConstant{Val: passPacket},
	}

	if len(s.tags) > 0 {
		remaining := len(s.tags)
		for _, tag := range s.tags {
			bloom := stringBloom64(tag)
			hi, lo := uint32(bloom>>32), uint32(bloom)
			remaining--
			prog = append(prog,
				bpf.LoadAbsolute{Off: offTagBloomHi, Size: 4},
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: hi},
				// next tag
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipFalse: 3},
				bpf.LoadAbsolute{Off: offTagBloomLo, Size: 4},
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: lo},
				// past the remaining tags and the drop
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo, SkipTrue: uint8(1 + remaining*6)},
			)
		}
		prog = append(prog, bpf.RetConstant{Val: dropPacket})
	}

	if len(s.rules) == 0 {
		return append(prog, bpf.RetConstant{Val: passPacket})
	}

	for _, r := range s.rules {
		prog = append(prog, bpf.LoadAbsolute{Off: offSubsystemHash, Size: 4})
		if r.devtype == "" {
			prog = append(prog,
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: stringHash32(r.subsystem), SkipFalse: 1},
				bpf.RetConstant{Val: passPacket},
			)
			continue
		}
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: stringHash32(r.subsystem), SkipFalse: 3},
			bpf.LoadAbsolute{Off: offDevtypeHash, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: stringHash32(r.devtype), SkipFalse: 1},
			bpf.RetConstant{Val: passPacket},
		)
	}

	return append(prog, bpf.RetConstant{Val: dropPacket})
}

func assembleFilter(prog []bpf.Instruction) ([]unix.SockFilter, error) {
	if len(prog) > maxFilterInstructions {
		return nil, newError("assemble filter", unix.EINVAL)
	}

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, newError("assemble filter", unix.EINVAL)
	}

	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return filter, nil
}

func attachFilter(fd int, prog []bpf.Instruction) error {
	filter, err := assembleFilter(prog)
	if err != nil {
		return err
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return wrapErr("attach filter", err)
	}
	return nil
}

func validMatchString(op, s string) error {
	if s == "" || strings.IndexByte(s, 0) >= 0 {
		return newError(op, unix.EINVAL)
	}
	return nil
}
