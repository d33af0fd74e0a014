package native

import (
	"github.com/go-delve/nativedbg/pkg/symworker"
)

// The symbol workers read target memory through the session, so every
// call that may service their reads runs on the session thread.

// OpenSymbols starts loading symbols for the module at base from path,
// which defaults to the main executable. Poll the returned session with
// SymbolCompletion.
func (s *Session) OpenSymbols(path string, base uint64) (uint32, error) {
	var id uint32
	var err error
	s.execPtraceFunc(func() {
		if path == "" {
			path = s.exePath
		}
		id, err = s.symbols.Open(symworker.OpenRequest{Path: path, InputPath: s.exePath, LoadAddress: base})
	})
	return id, err
}

// SymbolCompletion polls the open of symbol session id.
func (s *Session) SymbolCompletion(id uint32) (symworker.Completion, error) {
	var c symworker.Completion
	var err error
	s.execPtraceFunc(func() { c, err = s.symbols.Completion(id) })
	return c, err
}

// SymbolRequest answers an opaque symbol request on behalf of a remote
// client. It returns symworker.ResultOK or symworker.ResultError and the
// reply payload.
func (s *Session) SymbolRequest(code symworker.IoctlCode, id uint32, payload []byte) (int32, []byte) {
	var res int32
	var out []byte
	s.execPtraceFunc(func() { res, out = s.symbols.Serve(code, id, payload) })
	return res, out
}

// CloseSymbols ends symbol session id.
func (s *Session) CloseSymbols(id uint32) error {
	var err error
	s.execPtraceFunc(func() { err = s.symbols.Close(id) })
	return err
}
