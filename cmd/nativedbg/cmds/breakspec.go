package cmds

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/native"
)

// breakSpec is a breakpoint given on the command line. The location is
// either an address or an export, optionally qualified by its module as
// in kernel32!CreateFileW.
type breakSpec struct {
	text   string
	addr   uint64
	module string
	symbol string
	len    int
	typ    proc.BreakpointType
}

func (bs *breakSpec) String() string { return bs.text }

// parseLocation fills the location part of bs.
func (bs *breakSpec) parseLocation(loc string) error {
	if loc == "" {
		return fmt.Errorf("empty breakpoint location")
	}
	if addr, err := strconv.ParseUint(loc, 0, 64); err == nil {
		bs.addr = addr
		return nil
	}
	if i := strings.Index(loc, "!"); i >= 0 {
		bs.module, bs.symbol = loc[:i], loc[i+1:]
		if bs.module == "" || bs.symbol == "" {
			return fmt.Errorf("malformed location %q", loc)
		}
		return nil
	}
	bs.symbol = loc
	return nil
}

// parseBreak parses the argument of --break: a software breakpoint.
func parseBreak(s string) (*breakSpec, error) {
	bs := &breakSpec{text: s, len: 1, typ: proc.BreakpointSoftware}
	if err := bs.parseLocation(s); err != nil {
		return nil, err
	}
	return bs, nil
}

// parseHW parses the argument of --hw, loc:len:kind where kind is one of
// exec, write, rdwr or read.
func parseHW(s string) (*breakSpec, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return nil, fmt.Errorf("hardware breakpoint %q: expected location:length:kind", s)
	}
	bs := &breakSpec{text: s}
	if err := bs.parseLocation(fields[0]); err != nil {
		return nil, err
	}
	n, err := strconv.ParseUint(fields[1], 0, 32)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("hardware breakpoint %q: bad length %q", s, fields[1])
	}
	bs.len = int(n)
	bs.typ, err = proc.ParseBreakpointType(fields[2])
	if err != nil {
		return nil, err
	}
	if bs.typ == proc.BreakpointSoftware {
		return nil, fmt.Errorf("hardware breakpoint %q: use --break for software breakpoints", s)
	}
	return bs, nil
}

func parseBreakSpecs(soft, hw []string) ([]*breakSpec, error) {
	var r []*breakSpec
	for _, s := range soft {
		bs, err := parseBreak(s)
		if err != nil {
			return nil, err
		}
		r = append(r, bs)
	}
	for _, s := range hw {
		bs, err := parseHW(s)
		if err != nil {
			return nil, err
		}
		r = append(r, bs)
	}
	return r, nil
}

// resolve returns the addresses bs refers to. An export that is not
// loaded yet resolves to nothing.
func (bs *breakSpec) resolve(lookup func(string) []native.ExportSymbol) []uint64 {
	if bs.symbol == "" {
		return []uint64{bs.addr}
	}
	var r []uint64
	for _, sym := range lookup(bs.symbol) {
		if sym.Forwarder != "" {
			continue
		}
		if bs.module != "" && !strings.EqualFold(sym.Module, bs.module) {
			continue
		}
		r = append(r, sym.Addr)
	}
	return r
}

func (bs *breakSpec) requests(addrs []uint64) []proc.BreakpointRequest {
	reqs := make([]proc.BreakpointRequest, len(addrs))
	for i, addr := range addrs {
		reqs[i] = proc.BreakpointRequest{Addr: addr, Len: bs.len, Type: bs.typ}
	}
	return reqs
}
