package symworker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-delve/nativedbg/pkg/logflags"
)

// IoctlCode identifies an opaque request crossing the transport
// boundary between the engine and a remote symbol client.
type IoctlCode int32

const (
	IoctlReadFile IoctlCode = iota + 2
	IoctlOpen
	IoctlClose
	IoctlFetchSymbol
	IoctlFetchChildren
	IoctlOperationComplete
	IoctlLinesByVA
	IoctlLinesByCoords
	IoctlSymbolsAtVA
	IoctlFileCompilands
	IoctlFilePath
	IoctlSymbolFiles
	IoctlFindFiles
)

func (c IoctlCode) String() string {
	switch c {
	case IoctlReadFile:
		return "read-file"
	case IoctlOpen:
		return "open"
	case IoctlClose:
		return "close"
	case IoctlOperationComplete:
		return "operation-complete"
	}
	if k, ok := ioctlKinds[c]; ok {
		return k.String()
	}
	return fmt.Sprintf("IoctlCode(%d)", int32(c))
}

var ioctlKinds = map[IoctlCode]Kind{
	IoctlFetchSymbol:    KindFetchSymbol,
	IoctlFetchChildren:  KindFetchChildren,
	IoctlLinesByVA:      KindLinesByVA,
	IoctlLinesByCoords:  KindLinesByCoords,
	IoctlSymbolsAtVA:    KindSymbolsAtVA,
	IoctlFileCompilands: KindFileCompilands,
	IoctlFilePath:       KindFilePath,
	IoctlSymbolFiles:    KindSymbolFiles,
	IoctlFindFiles:      KindFindFiles,
}

// Result codes returned by Server.Handle.
const (
	ResultOK    int32 = 1
	ResultError int32 = -2
)

// ProviderFactory returns a fresh provider for a new session.
type ProviderFactory func() Provider

type session struct {
	id      uint32
	h       *Handle
	opening bool
}

// Server maps session ids to worker handles and answers opaque
// requests. Session ids increase monotonically and are never reused
// during the lifetime of the server.
type Server struct {
	newProvider ProviderFactory
	source      DataSource
	maxRead     int
	log         logflags.Logger

	mu       sync.Mutex
	lastID   uint32
	sessions map[uint32]*session
}

// NewServer returns a server opening sessions with providers from
// factory and serving their reads from src. maxRead <= 0 selects
// DefaultMaxReadSize.
func NewServer(factory ProviderFactory, src DataSource, maxRead int) *Server {
	if maxRead <= 0 {
		maxRead = DefaultMaxReadSize
	}
	return &Server{
		newProvider: factory,
		source:      src,
		maxRead:     maxRead,
		log:         logflags.RPCLogger(),
		sessions:    make(map[uint32]*session),
	}
}

// Open starts a new session and returns its id. The open proceeds in
// the background; poll it with Completion.
func (s *Server) Open(req OpenRequest) (uint32, error) {
	h := NewHandle(s.newProvider(), s.source, s.maxRead)
	s.mu.Lock()
	s.lastID++
	sess := &session{id: s.lastID, h: h, opening: true}
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	if err := h.Open(req); err != nil {
		s.drop(sess.id)
		return 0, err
	}
	s.log.Debugf("session %d opening %q", sess.id, req.InputPath)
	return sess.id, nil
}

// Completion polls the open of session id. A failed open deletes the
// session.
func (s *Server) Completion(id uint32) (Completion, error) {
	sess, err := s.session(id)
	if err != nil {
		return Completion{}, err
	}
	c := sess.h.PollCompletion()
	switch c.Tag {
	case Complete:
		s.mu.Lock()
		sess.opening = false
		s.mu.Unlock()
	case Failed:
		s.log.Debugf("session %d failed to open: %s", id, c.Msg)
		s.Close(id)
	}
	return c, nil
}

// Handle returns the worker handle of an opened session.
func (s *Server) Handle(id uint32) (*Handle, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return sess.h, nil
}

func (s *Server) session(id uint32) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown symbol session #%d", id)
	}
	return sess, nil
}

func (s *Server) drop(id uint32) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	return sess
}

// Close stops the worker of session id and forgets it. Closing an
// unknown session is not an error.
func (s *Server) Close(id uint32) error {
	sess := s.drop(id)
	if sess == nil {
		return nil
	}
	return sess.h.Close()
}

// Sessions returns the ids of open sessions in ascending order.
func (s *Server) Sessions() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]uint32, 0, len(s.sessions))
	for id := range s.sessions {
		r = append(r, id)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Shutdown closes every session, cancelling opens still in progress.
func (s *Server) Shutdown() {
	for _, id := range s.Sessions() {
		if err := s.Close(id); err != nil {
			s.log.Warnf("closing symbol session %d: %v", id, err)
		}
	}
}

// Serve answers one opaque request. sessionID is ignored by IoctlOpen
// and IoctlReadFile. On failure the payload is the error message.
func (s *Server) Serve(code IoctlCode, sessionID uint32, payload []byte) (int32, []byte) {
	s.log.Debugf("%v session=%d payload=%d bytes", code, sessionID, len(payload))
	out, err := s.serve(code, sessionID, payload)
	if err != nil {
		s.log.Debugf("%v failed: %v", code, err)
		return ResultError, []byte(err.Error())
	}
	return ResultOK, out
}

func (s *Server) serve(code IoctlCode, sessionID uint32, payload []byte) ([]byte, error) {
	d := decoder{buf: payload}
	switch code {
	case IoctlOpen:
		req := OpenRequest{Path: d.str(), InputPath: d.str(), LoadAddress: d.u64(), Flags: d.u32()}
		if err := d.done(); err != nil {
			return nil, err
		}
		id, err := s.Open(req)
		if err != nil {
			return nil, err
		}
		var e encoder
		e.u32(id)
		return e.buf, nil

	case IoctlReadFile:
		off, size := d.u64(), d.u32()
		if err := d.done(); err != nil {
			return nil, err
		}
		if s.source == nil {
			return nil, fmt.Errorf("no input file")
		}
		if uint64(size) > uint64(s.maxRead) {
			return nil, fmt.Errorf("read of %d bytes exceeds limit of %d", size, s.maxRead)
		}
		buf := make([]byte, size)
		n, err := s.source.ReadInputFile(buf, int64(off))
		if n == 0 && err != nil {
			return nil, err
		}
		return buf[:n], nil

	case IoctlClose:
		return nil, s.Close(sessionID)

	case IoctlOperationComplete:
		c, err := s.Completion(sessionID)
		if err != nil {
			return nil, err
		}
		return PackCompletion(c), nil
	}

	kind, ok := ioctlKinds[code]
	if !ok {
		return nil, fmt.Errorf("unknown request code %d", int32(code))
	}
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	opening := sess.opening
	s.mu.Unlock()
	if opening {
		return nil, fmt.Errorf("symbol session #%d is still opening", sessionID)
	}

	req := &Request{Kind: kind}
	switch kind {
	case KindFetchSymbol, KindSymbolFiles:
		req.ID = d.u32()
	case KindFetchChildren:
		req.ID, req.Tag = d.u32(), d.u32()
	case KindLinesByVA:
		req.VA, req.Length = d.u64(), d.u64()
	case KindLinesByCoords:
		req.FileID, req.Line, req.Col = d.u32(), d.u32(), d.u32()
	case KindSymbolsAtVA:
		req.VA, req.Length, req.Tag = d.u64(), d.u64(), d.u32()
	case KindFileCompilands, KindFilePath:
		req.FileID = d.u32()
	case KindFindFiles:
		req.Name = d.str()
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	if err := sess.h.Submit(req, true); err != nil {
		return nil, err
	}
	switch kind {
	case KindLinesByVA, KindLinesByCoords:
		return PackLines(req.Lines), nil
	case KindFileCompilands, KindSymbolFiles, KindFindFiles:
		return PackIDs(req.IDs), nil
	case KindFilePath:
		var e encoder
		e.str(req.Path)
		return e.buf, nil
	}
	return PackSymbols(req.Symbols), nil
}

// Request payload builders for clients of Serve.

// OpenPayload encodes the payload of IoctlOpen.
func OpenPayload(req OpenRequest) []byte {
	var e encoder
	e.str(req.Path)
	e.str(req.InputPath)
	e.u64(req.LoadAddress)
	e.u32(req.Flags)
	return e.buf
}

// Payload encodes the payload of a request kind from req's input fields.
func Payload(req *Request) []byte {
	var e encoder
	switch req.Kind {
	case KindFetchSymbol, KindSymbolFiles:
		e.u32(req.ID)
	case KindFetchChildren:
		e.u32(req.ID)
		e.u32(req.Tag)
	case KindLinesByVA:
		e.u64(req.VA)
		e.u64(req.Length)
	case KindLinesByCoords:
		e.u32(req.FileID)
		e.u32(req.Line)
		e.u32(req.Col)
	case KindSymbolsAtVA:
		e.u64(req.VA)
		e.u64(req.Length)
		e.u32(req.Tag)
	case KindFileCompilands, KindFilePath:
		e.u32(req.FileID)
	case KindFindFiles:
		e.str(req.Name)
	}
	return e.buf
}

// ReadFilePayload encodes the payload of IoctlReadFile.
func ReadFilePayload(off uint64, size uint32) []byte {
	var e encoder
	e.u64(off)
	e.u32(size)
	return e.buf
}

// UnpackString decodes a length prefixed string such as the response
// to IoctlFilePath.
func UnpackString(buf []byte) (string, error) {
	d := decoder{buf: buf}
	v := d.str()
	return v, d.done()
}

// UnpackSessionID decodes the response to IoctlOpen.
func UnpackSessionID(buf []byte) (uint32, error) {
	d := decoder{buf: buf}
	v := d.u32()
	return v, d.done()
}
