package symworker

import "context"

// OpenRequest describes the symbol source to open for one loaded image.
type OpenRequest struct {
	Path        string // symbol file, may be empty to search next to InputPath
	InputPath   string // image the symbols describe
	LoadAddress uint64
	Flags       uint32
}

// OpenResult is reported by a successful open.
type OpenResult struct {
	GlobalID        uint32 // id of the global scope symbol
	Machine         uint32
	ProviderVersion uint32
	UsedPath        string
}

// Reader gives a provider access to the debuggee while it runs on the
// worker goroutine. Every call is forwarded to the goroutine owning the
// debug session and blocks until it has been serviced.
type Reader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
	ReadInputFile(buf []byte, off int64) (int, error)
}

// Provider is an external symbol source. Providers are not reentrant:
// the worker never calls two methods concurrently.
type Provider interface {
	Open(ctx context.Context, req OpenRequest, r Reader) (OpenResult, error)
	Symbol(id uint32) (Symbol, error)
	Children(parent uint32, tag uint32) ([]Symbol, error)
	LinesByVA(va, length uint64) ([]Line, error)
	LinesByCoords(fileID, line, col uint32) ([]Line, error)
	SymbolsAtVA(va, length uint64, tag uint32) ([]Symbol, error)
	FileCompilands(fileID uint32) ([]uint32, error)
	FilePath(fileID uint32) (string, error)
	SymbolFiles(symID uint32) ([]uint32, error)
	FindFiles(name string) ([]uint32, error)
	Close() error
}

// DataSource services the worker's read requests on the owning
// goroutine. *native.Session implements it.
type DataSource interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
	ReadInputFile(buf []byte, off int64) (int, error)
}
