package symworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
)

// Kind is the kind of a worker request.
type Kind uint8

const (
	KindOpen Kind = iota
	KindFetchSymbol
	KindFetchChildren
	KindLinesByVA
	KindLinesByCoords
	KindSymbolsAtVA
	KindFileCompilands
	KindFilePath
	KindSymbolFiles
	KindFindFiles
	KindClose
)

var kindNames = [...]string{"open", "fetch-symbol", "fetch-children", "lines-by-va", "lines-by-coords", "symbols-at-va", "file-compilands", "file-path", "symbol-files", "find-files", "close"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	// ErrKilled is returned for requests interrupted by Kill and for
	// every request submitted to a killed handle.
	ErrKilled = errors.New("symworker: worker killed")
	// ErrCancelled answers read requests drained by CancelOpen.
	ErrCancelled = errors.New("symworker: open cancelled")
	// ErrNoOpen is reported when polling a handle with no open submitted.
	ErrNoOpen = errors.New("symworker: no open in progress")
)

// cancelPollInterval is how often CancelOpen rechecks the worker while
// draining read requests.
const cancelPollInterval = 100 * time.Millisecond

// DefaultMaxReadSize bounds a single cross-goroutine read.
const DefaultMaxReadSize = 1 << 20

// Request is one unit of work for the worker. The input fields used
// depend on Kind; the worker fills the output fields before signaling
// completion.
type Request struct {
	Kind Kind

	Open   OpenRequest
	ID     uint32 // symbol id, or parent id for FetchChildren
	Tag    uint32
	Name   string
	VA     uint64
	Length uint64
	FileID uint32
	Line   uint32
	Col    uint32

	Symbols []Symbol
	Lines   []Line
	IDs     []uint32
	Path    string
	Result  OpenResult
	Err     error

	done chan struct{}
}

// ReadKind selects the target of a read request.
type ReadKind uint8

const (
	ReadTargetMemory ReadKind = iota
	ReadInputFile
)

// ReadRequest is posted by the worker when a provider needs debuggee data.
type ReadRequest struct {
	Kind   ReadKind
	Offset uint64
	Buf    []byte

	N   int
	Err error

	done chan struct{}
}

// Handle owns one worker goroutine and the provider it drives. The zero
// value is not usable; call NewHandle.
type Handle struct {
	provider Provider
	source   DataSource
	maxRead  int
	log      logflags.Logger

	mu       sync.Mutex // guards the fields below, i.e. the worker lifecycle
	running  bool
	killed   bool
	requests chan *Request
	reads    chan *ReadRequest
	quit     chan struct{}
	exited   chan struct{}
	open     *Request
	cancel   context.CancelFunc
}

// NewHandle returns a handle for provider. Read requests posted by the
// provider are served from src. maxRead <= 0 selects DefaultMaxReadSize.
func NewHandle(provider Provider, src DataSource, maxRead int) *Handle {
	if maxRead <= 0 {
		maxRead = DefaultMaxReadSize
	}
	return &Handle{
		provider: provider,
		source:   src,
		maxRead:  maxRead,
		log:      logflags.SymWorkerLogger(),
	}
}

func (h *Handle) startIfNeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.killed {
		return
	}
	h.requests = make(chan *Request)
	h.reads = make(chan *ReadRequest)
	h.quit = make(chan struct{})
	h.exited = make(chan struct{})
	h.running = true
	go h.loop(h.requests, h.reads, h.quit, h.exited)
}

// channels returns the current worker channels, nil if no worker runs.
func (h *Handle) channels() (chan *Request, chan *ReadRequest, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil, nil, nil
	}
	return h.requests, h.reads, h.quit
}

// loop is the worker goroutine. Being parked on the request channel is
// what "accepting" means: a send only completes when no other request
// is executing.
func (h *Handle) loop(requests chan *Request, reads chan *ReadRequest, quit, exited chan struct{}) {
	defer close(exited)
	r := &workerReader{reads: reads, quit: quit, maxRead: h.maxRead}
	for {
		select {
		case req := <-requests:
			h.execute(req, r)
			close(req.done)
			if req.Kind == KindClose {
				return
			}
		case <-quit:
			return
		}
	}
}

func (h *Handle) execute(req *Request, r Reader) {
	h.log.Debugf("executing %v", req.Kind)
	var err error
	p := h.provider
	switch req.Kind {
	case KindOpen:
		h.mu.Lock()
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.mu.Unlock()
		req.Result, err = p.Open(ctx, req.Open, r)
		cancel()
	case KindFetchSymbol:
		var s Symbol
		s, err = p.Symbol(req.ID)
		if err == nil {
			req.Symbols = []Symbol{s}
		}
	case KindFetchChildren:
		req.Symbols, err = p.Children(req.ID, req.Tag)
	case KindLinesByVA:
		req.Lines, err = p.LinesByVA(req.VA, req.Length)
	case KindLinesByCoords:
		req.Lines, err = p.LinesByCoords(req.FileID, req.Line, req.Col)
	case KindSymbolsAtVA:
		req.Symbols, err = p.SymbolsAtVA(req.VA, req.Length, req.Tag)
	case KindFileCompilands:
		req.IDs, err = p.FileCompilands(req.FileID)
	case KindFilePath:
		req.Path, err = p.FilePath(req.FileID)
	case KindSymbolFiles:
		req.IDs, err = p.SymbolFiles(req.ID)
	case KindFindFiles:
		req.IDs, err = p.FindFiles(req.Name)
	case KindClose:
		err = p.Close()
	default:
		err = fmt.Errorf("unknown request kind %v", req.Kind)
	}
	if err != nil {
		h.log.Debugf("%v failed: %v", req.Kind, err)
		req.Err = &proc.ProviderError{Msg: err.Error()}
	}
}

// Submit hands req to the worker, starting it if needed. It blocks until
// the worker accepts the request and, when wait is set, until the
// request has been executed. Read requests posted by the worker in the
// meantime are serviced on the calling goroutine.
func (h *Handle) Submit(req *Request, wait bool) error {
	h.startIfNeeded()
	requests, reads, quit := h.channels()
	if requests == nil {
		return ErrKilled
	}
	if req.done == nil {
		req.done = make(chan struct{})
	}
	for sent := false; !sent; {
		select {
		case requests <- req:
			sent = true
		case rr := <-reads:
			h.service(rr)
		case <-quit:
			return ErrKilled
		}
	}
	if !wait {
		return nil
	}
	for {
		select {
		case <-req.done:
			return req.Err
		case rr := <-reads:
			h.service(rr)
		case <-quit:
			return ErrKilled
		}
	}
}

// Open starts opening a symbol source. It returns once the worker has
// accepted the request; use PollCompletion or WaitOpen for the result.
func (h *Handle) Open(or OpenRequest) error {
	req := &Request{Kind: KindOpen, Open: or, done: make(chan struct{})}
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return ErrKilled
	}
	if h.open != nil && !isDone(h.open) {
		h.mu.Unlock()
		return errors.New("symworker: open already in progress")
	}
	h.open = req
	h.mu.Unlock()
	return h.Submit(req, false)
}

func isDone(req *Request) bool {
	if req.done == nil {
		return false
	}
	select {
	case <-req.done:
		return true
	default:
		return false
	}
}

func (h *Handle) service(rr *ReadRequest) {
	switch {
	case h.source == nil:
		rr.Err = errors.New("symworker: no data source")
	case rr.Kind == ReadTargetMemory:
		rr.N, rr.Err = h.source.ReadMemory(rr.Buf, rr.Offset)
	case rr.Kind == ReadInputFile:
		rr.N, rr.Err = h.source.ReadInputFile(rr.Buf, int64(rr.Offset))
	default:
		rr.Err = fmt.Errorf("symworker: unknown read kind %d", rr.Kind)
	}
	close(rr.done)
}

// PollCompletion reports the state of the open in progress without
// blocking. A pending read request is serviced first.
func (h *Handle) PollCompletion() Completion {
	h.mu.Lock()
	open, reads := h.open, h.reads
	h.mu.Unlock()
	if open == nil || open.done == nil {
		return Completion{Tag: Failed, Msg: ErrNoOpen.Error()}
	}
	select {
	case rr := <-reads:
		h.service(rr)
	default:
	}
	if !isDone(open) {
		return Completion{Tag: NotComplete}
	}
	if open.Err != nil {
		return Completion{Tag: Failed, Msg: open.Err.Error()}
	}
	return Completion{Tag: Complete, Result: open.Result}
}

// WaitOpen services read requests until the open in progress completes
// or ctx is done, in which case the open is cancelled.
func (h *Handle) WaitOpen(ctx context.Context) Completion {
	h.mu.Lock()
	open, reads, quit := h.open, h.reads, h.quit
	h.mu.Unlock()
	if open == nil || open.done == nil {
		return Completion{Tag: Failed, Msg: ErrNoOpen.Error()}
	}
	for {
		select {
		case <-open.done:
			return h.PollCompletion()
		case rr := <-reads:
			h.service(rr)
		case <-quit:
			return Completion{Tag: Failed, Msg: ErrKilled.Error()}
		case <-ctx.Done():
			h.CancelOpen()
			return Completion{Tag: Failed, Msg: ctx.Err().Error()}
		}
	}
}

// CancelOpen stops an open in progress by failing every read request it
// posts until the worker reports the open done. The worker itself is not
// interrupted so the provider is never left half updated.
func (h *Handle) CancelOpen() {
	h.mu.Lock()
	open, reads, quit, cancel := h.open, h.reads, h.quit, h.cancel
	h.mu.Unlock()
	if open == nil || open.done == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	t := time.NewTicker(cancelPollInterval)
	defer t.Stop()
	for {
		select {
		case <-open.done:
			return
		case rr := <-reads:
			rr.Err = ErrCancelled
			close(rr.done)
		case <-quit:
			return
		case <-t.C:
			h.log.Debugf("waiting for cancelled open to finish")
		}
	}
}

// Close cancels any open in progress, closes the provider on the worker
// goroutine and stops the worker.
func (h *Handle) Close() error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return nil
	}
	h.CancelOpen()
	err := h.Submit(&Request{Kind: KindClose}, true)
	h.mu.Lock()
	if h.running {
		h.running = false
		exited := h.exited
		h.mu.Unlock()
		<-exited
	} else {
		h.mu.Unlock()
	}
	if errors.Is(err, ErrKilled) {
		return nil
	}
	return err
}

// Kill abandons the worker goroutine without waiting for the request it
// is executing. This is unsafe: the provider may be left in an
// inconsistent state, possibly still running a call, so the handle
// rejects every later request with ErrKilled. Prefer CancelOpen and
// Close.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	if !h.running {
		return
	}
	h.log.Warnf("killing symbol worker")
	close(h.quit)
	h.running = false
}

// workerReader forwards provider reads to the owning goroutine. Only one
// request is outstanding at a time because the worker blocks on it.
type workerReader struct {
	reads   chan *ReadRequest
	quit    chan struct{}
	maxRead int
}

func (r *workerReader) post(kind ReadKind, off uint64, buf []byte) (int, error) {
	if len(buf) > r.maxRead {
		return 0, fmt.Errorf("symworker: read of %d bytes exceeds limit of %d", len(buf), r.maxRead)
	}
	rr := &ReadRequest{Kind: kind, Offset: off, Buf: buf, done: make(chan struct{})}
	select {
	case r.reads <- rr:
	case <-r.quit:
		return 0, ErrKilled
	}
	select {
	case <-rr.done:
		return rr.N, rr.Err
	case <-r.quit:
		return 0, ErrKilled
	}
}

func (r *workerReader) ReadMemory(buf []byte, addr uint64) (int, error) {
	return r.post(ReadTargetMemory, addr, buf)
}

func (r *workerReader) ReadInputFile(buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("symworker: negative file offset %d", off)
	}
	return r.post(ReadInputFile, uint64(off), buf)
}
