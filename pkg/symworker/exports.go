package symworker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/peimage"
)

// SymTagExe is the tag of the global scope symbol.
const SymTagExe = 1

// exportProviderVersion is reported as the provider version of
// ExportProvider sessions.
const exportProviderVersion = 1

// ExportProvider is a Provider backed by the export directory of an
// image mapped in the debuggee. It carries public symbols only: no
// types, no line information.
type ExportProvider struct {
	inspector peimage.Inspector

	opened  bool
	name    string
	base    uint64
	exports []peimage.Export
}

// NewExportProvider returns an export provider reading images with
// inspector; a nil inspector selects peimage.Mapped.
func NewExportProvider(inspector peimage.Inspector) *ExportProvider {
	if inspector == nil {
		inspector = peimage.Mapped{}
	}
	return &ExportProvider{inspector: inspector}
}

var errNotOpen = errors.New("export provider not open")

func (p *ExportProvider) Open(ctx context.Context, req OpenRequest, r Reader) (OpenResult, error) {
	if req.LoadAddress == 0 {
		return OpenResult{}, errors.New("export provider needs the load address of the image")
	}
	ra := proc.ReaderAt(r, req.LoadAddress)
	hdr, err := peimage.ReadHeader(ra)
	if err != nil {
		return OpenResult{}, fmt.Errorf("%s: %w", req.InputPath, err)
	}
	if err := ctx.Err(); err != nil {
		return OpenResult{}, err
	}
	exports, err := p.inspector.Exports(ra, req.LoadAddress)
	if err != nil {
		return OpenResult{}, fmt.Errorf("%s: %w", req.InputPath, err)
	}
	p.opened = true
	p.name = filepath.Base(req.InputPath)
	p.base = req.LoadAddress
	p.exports = exports
	return OpenResult{
		GlobalID:        0,
		Machine:         uint32(hdr.Machine),
		ProviderVersion: exportProviderVersion,
		UsedPath:        req.InputPath,
	}, nil
}

func (p *ExportProvider) global() Symbol {
	var s Symbol
	s.ID = 0
	s.SetDword(FieldSymTag, SymTagExe).SetName(p.name).SetVirtualAddress(p.base)
	return s
}

func (p *ExportProvider) symbol(i int) Symbol {
	e := &p.exports[i]
	var s Symbol
	s.ID = uint32(i + 1)
	s.SetDword(FieldSymTag, SymTagPublicSymbol).
		SetDword(FieldLexicalParentID, 0).
		SetDword(FieldRelativeVirtualAddress, e.RVA).
		SetDword(FieldSymIndexID, s.ID).
		SetName(e.Name).
		SetVirtualAddress(e.Addr)
	if e.Forwarder != "" {
		s.SetValue([]byte(e.Forwarder))
	} else {
		s.SetBool(FieldCode, true).SetBool(FieldFunction, true)
	}
	return s
}

func (p *ExportProvider) Symbol(id uint32) (Symbol, error) {
	if !p.opened {
		return Symbol{}, errNotOpen
	}
	if id == 0 {
		return p.global(), nil
	}
	if int(id) > len(p.exports) {
		return Symbol{}, fmt.Errorf("no symbol with id %d", id)
	}
	return p.symbol(int(id) - 1), nil
}

func (p *ExportProvider) Children(parent, tag uint32) ([]Symbol, error) {
	if !p.opened {
		return nil, errNotOpen
	}
	if parent != 0 || (tag != 0 && tag != SymTagPublicSymbol) {
		return nil, nil
	}
	r := make([]Symbol, len(p.exports))
	for i := range p.exports {
		r[i] = p.symbol(i)
	}
	return r, nil
}

func (p *ExportProvider) LinesByVA(va, length uint64) ([]Line, error) { return nil, nil }

func (p *ExportProvider) LinesByCoords(fileID, line, col uint32) ([]Line, error) { return nil, nil }

// SymbolsAtVA returns the exports in [va, va+length), or the closest
// export at or below va when length is 0.
func (p *ExportProvider) SymbolsAtVA(va, length uint64, tag uint32) ([]Symbol, error) {
	if !p.opened {
		return nil, errNotOpen
	}
	if tag != 0 && tag != SymTagPublicSymbol {
		return nil, nil
	}
	if length == 0 {
		i := sort.Search(len(p.exports), func(i int) bool { return p.exports[i].Addr > va })
		if i == 0 {
			return nil, nil
		}
		return []Symbol{p.symbol(i - 1)}, nil
	}
	var r []Symbol
	i := sort.Search(len(p.exports), func(i int) bool { return p.exports[i].Addr >= va })
	for ; i < len(p.exports) && p.exports[i].Addr < va+length; i++ {
		r = append(r, p.symbol(i))
	}
	return r, nil
}

func (p *ExportProvider) FileCompilands(fileID uint32) ([]uint32, error) { return nil, nil }

func (p *ExportProvider) FilePath(fileID uint32) (string, error) {
	return "", fmt.Errorf("no source file with id %d", fileID)
}

func (p *ExportProvider) SymbolFiles(symID uint32) ([]uint32, error) { return nil, nil }

func (p *ExportProvider) FindFiles(name string) ([]uint32, error) { return nil, nil }

func (p *ExportProvider) Close() error {
	p.opened = false
	p.exports = nil
	return nil
}
