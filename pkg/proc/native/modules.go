package native

import (
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/derekparker/trie"

	"github.com/go-delve/nativedbg/pkg/proc"
)

type module struct {
	proc.ModuleInfo
	exports []ExportSymbol
}

// ExportSymbol is an exported function or variable of a loaded module.
type ExportSymbol struct {
	Module string
	Name   string
	Addr   uint64
	// Forwarder names the export this one forwards to, if any.
	Forwarder string
}

// exportIndex maps export names to their symbols. Names exported by
// several modules map to all of them.
type exportIndex struct {
	t    *trie.Trie
	syms map[string][]ExportSymbol
}

func newExportIndex() *exportIndex {
	return &exportIndex{t: trie.New(), syms: make(map[string][]ExportSymbol)}
}

func (x *exportIndex) add(sym ExportSymbol) {
	if _, ok := x.t.Find(sym.Name); !ok {
		x.t.Add(sym.Name, nil)
	}
	x.syms[sym.Name] = append(x.syms[sym.Name], sym)
}

func (x *exportIndex) find(name string) []ExportSymbol {
	return x.syms[name]
}

func (x *exportIndex) withPrefix(prefix string) []ExportSymbol {
	var r []ExportSymbol
	for _, name := range x.t.PrefixSearch(prefix) {
		r = append(r, x.find(name)...)
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].Name != r[j].Name {
			return r[i].Name < r[j].Name
		}
		return r[i].Addr < r[j].Addr
	})
	return r
}

// imageHeaderSize is the part of an image read in one go by
// imageReader: the headers are parsed with many small reads.
const imageHeaderSize = 0x1000

func (s *Session) imageReader(base uint64) io.ReaderAt {
	return proc.ReaderAt(proc.CacheMemory(rawMemory{s}, base, imageHeaderSize), base)
}

// moduleSize reads the size of the image mapped at base. Failures are
// logged and give 0.
func (s *Session) moduleSize(base uint64) uint64 {
	size, err := s.inspector.ImageSize(s.imageReader(base))
	if err != nil {
		s.log.Warnf("could not read image size at %#x: %v", base, err)
		return 0
	}
	return size
}

func (s *Session) newModule(name string, base uint64, fileSize int64) *module {
	return &module{ModuleInfo: proc.ModuleInfo{
		Name:     name,
		Base:     base,
		Size:     s.moduleSize(base),
		Compat:   s.compat,
		FileSize: fileSize,
	}}
}

// addDLL records a loaded library and schedules the import of its
// exports for the next stop.
func (s *Session) addDLL(m *module) {
	s.dlls[m.Base] = m
	s.images[m.Base] = m
	s.toImport[m.Base] = struct{}{}
	s.nameCache.Purge()
}

// removeDLL forgets the library loaded at base. The page breakpoints in
// its range go away with it, including those standing in for hardware
// breakpoints.
func (s *Session) removeDLL(base uint64) *module {
	m, ok := s.dlls[base]
	if !ok {
		return nil
	}
	delete(s.dlls, base)
	delete(s.toImport, base)
	s.nameCache.Purge()
	if m.Size != 0 {
		dropped, err := s.pages.DropRange(pageProtector{s}, m.Base, m.End())
		if err != nil {
			s.log.Warnf("dropping page breakpoints of %s: %v", m.Name, err)
		}
		for _, b := range dropped {
			delete(s.hw.page, b.Addr)
		}
	}
	if len(m.exports) > 0 {
		m.exports = nil
		s.rebuildExports()
	}
	return m
}

func (s *Session) rebuildExports() {
	s.exports = newExportIndex()
	for _, m := range s.loadedModules() {
		for _, sym := range m.exports {
			s.exports.add(sym)
		}
	}
}

func (s *Session) loadedModules() []*module {
	var r []*module
	if s.curproc != nil {
		r = append(r, s.curproc)
	}
	for _, m := range s.dlls {
		r = append(r, m)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Base < r[j].Base })
	return r
}

// importExports drains the set of modules whose exports have not been
// read yet. Each module is imported once.
func (s *Session) importExports() {
	if len(s.toImport) == 0 {
		return
	}
	bases := make([]uint64, 0, len(s.toImport))
	for base := range s.toImport {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	for _, base := range bases {
		delete(s.toImport, base)
		m := s.dlls[base]
		if m == nil && s.curproc != nil && s.curproc.Base == base {
			m = s.curproc
		}
		if m == nil {
			continue
		}
		exps, err := s.inspector.Exports(s.imageReader(base), base)
		if err != nil {
			s.log.Warnf("could not read exports of %s: %v", m.Name, err)
			continue
		}
		short := moduleShortName(m.Name)
		m.exports = make([]ExportSymbol, 0, len(exps))
		for _, e := range exps {
			if e.Name == "" {
				continue
			}
			sym := ExportSymbol{Module: short, Name: e.Name, Addr: e.Addr, Forwarder: e.Forwarder}
			m.exports = append(m.exports, sym)
			s.exports.add(sym)
		}
		s.log.Debugf("imported %d exports of %s", len(m.exports), m.Name)
	}
}

func moduleShortName(path string) string {
	return strings.TrimSuffix(filepath.Base(strings.ReplaceAll(path, `\`, "/")), filepath.Ext(path))
}

// moduleName returns the name of the image containing addr, looking at
// the main image, the loaded libraries and the images seen earlier in
// that order. Results are cached until the module list changes.
func (s *Session) moduleName(addr uint64) string {
	if v, ok := s.nameCache.Get(addr); ok {
		return v.(string)
	}
	name := ""
	if s.curproc != nil && s.curproc.Contains(addr) {
		name = s.curproc.Name
	} else if m := findModule(s.dlls, addr); m != nil {
		name = m.Name
	} else if m := findModule(s.images, addr); m != nil {
		name = m.Name
	}
	s.nameCache.Add(addr, name)
	return name
}

func findModule(mods map[uint64]*module, addr uint64) *module {
	for _, m := range mods {
		if m.Contains(addr) || m.Base == addr {
			return m
		}
	}
	return nil
}

// ModuleName returns the name of the module containing addr, or "".
func (s *Session) ModuleName(addr uint64) string {
	var r string
	s.execPtraceFunc(func() { r = s.moduleName(addr) })
	return r
}

// Modules returns the main image and the loaded libraries ordered by
// base address.
func (s *Session) Modules() []proc.ModuleInfo {
	var r []proc.ModuleInfo
	s.execPtraceFunc(func() {
		for _, m := range s.loadedModules() {
			r = append(r, m.ModuleInfo)
		}
	})
	return r
}

// LookupExport returns the exports called name in all loaded modules.
func (s *Session) LookupExport(name string) []ExportSymbol {
	var r []ExportSymbol
	s.execPtraceFunc(func() {
		s.importExports()
		r = s.exports.find(name)
	})
	return r
}

// ExportsWithPrefix returns the exports whose name starts with prefix.
func (s *Session) ExportsWithPrefix(prefix string) []ExportSymbol {
	var r []ExportSymbol
	s.execPtraceFunc(func() {
		s.importExports()
		r = s.exports.withPrefix(prefix)
	})
	return r
}
