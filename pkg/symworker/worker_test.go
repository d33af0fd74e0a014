package symworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/nativedbg/pkg/proc"
)

// memSource is a DataSource over a flat byte slice mapped at base.
type memSource struct {
	mu    sync.Mutex
	base  uint64
	mem   []byte
	file  []byte
	reads int
}

func (m *memSource) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if addr < m.base || addr-m.base >= uint64(len(m.mem)) {
		return 0, fmt.Errorf("bad address %#x", addr)
	}
	return copy(buf, m.mem[addr-m.base:]), nil
}

func (m *memSource) ReadInputFile(buf []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if off >= int64(len(m.file)) {
		return 0, errors.New("eof")
	}
	return copy(buf, m.file[off:]), nil
}

// scriptProvider records concurrency and lets tests block inside calls.
type scriptProvider struct {
	inflight    int32
	maxInflight int32
	calls       int32

	gate    chan struct{} // when non-nil, Symbol blocks until closed
	entered chan struct{}

	openReads int // number of ReadMemory calls made by Open
	openErr   error
	closed    bool
}

func (p *scriptProvider) enter() func() {
	atomic.AddInt32(&p.calls, 1)
	n := atomic.AddInt32(&p.inflight, 1)
	for {
		m := atomic.LoadInt32(&p.maxInflight)
		if n <= m || atomic.CompareAndSwapInt32(&p.maxInflight, m, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&p.inflight, -1) }
}

func (p *scriptProvider) Open(ctx context.Context, req OpenRequest, r Reader) (OpenResult, error) {
	defer p.enter()()
	buf := make([]byte, 4)
	for i := 0; i < p.openReads; i++ {
		if _, err := r.ReadMemory(buf, req.LoadAddress+uint64(i)); err != nil {
			return OpenResult{}, err
		}
	}
	if _, err := r.ReadInputFile(buf[:1], 0); err != nil {
		return OpenResult{}, err
	}
	if p.openErr != nil {
		return OpenResult{}, p.openErr
	}
	return OpenResult{GlobalID: 1, Machine: 0x8664, ProviderVersion: 7, UsedPath: req.Path}, nil
}

func (p *scriptProvider) Symbol(id uint32) (Symbol, error) {
	defer p.enter()()
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	var s Symbol
	s.ID = id
	s.SetName(fmt.Sprintf("sym%d", id))
	return s, nil
}

func (p *scriptProvider) Children(parent, tag uint32) ([]Symbol, error) {
	defer p.enter()()
	return nil, errors.New("no children")
}

func (p *scriptProvider) LinesByVA(va, length uint64) ([]Line, error) {
	defer p.enter()()
	return []Line{{VA: va, Length: uint32(length), Line: 1}}, nil
}

func (p *scriptProvider) LinesByCoords(fileID, line, col uint32) ([]Line, error) {
	defer p.enter()()
	return []Line{{FileID: fileID, Line: line, Col: col}}, nil
}

func (p *scriptProvider) SymbolsAtVA(va, length uint64, tag uint32) ([]Symbol, error) {
	defer p.enter()()
	return nil, nil
}

func (p *scriptProvider) FileCompilands(fileID uint32) ([]uint32, error) {
	defer p.enter()()
	return []uint32{fileID + 1}, nil
}

func (p *scriptProvider) FilePath(fileID uint32) (string, error) {
	defer p.enter()()
	return fmt.Sprintf("file%d.c", fileID), nil
}

func (p *scriptProvider) SymbolFiles(symID uint32) ([]uint32, error) {
	defer p.enter()()
	return []uint32{symID}, nil
}

func (p *scriptProvider) FindFiles(name string) ([]uint32, error) {
	defer p.enter()()
	return []uint32{uint32(len(name))}, nil
}

func (p *scriptProvider) Close() error {
	p.closed = true
	return nil
}

func newTestSource() *memSource {
	return &memSource{base: 0x1000, mem: make([]byte, 0x100), file: []byte("MZ")}
}

func TestSubmitFetchSymbol(t *testing.T) {
	p := &scriptProvider{}
	h := NewHandle(p, newTestSource(), 0)
	defer h.Close()

	req := &Request{Kind: KindFetchSymbol, ID: 42}
	require.NoError(t, h.Submit(req, true))
	require.Len(t, req.Symbols, 1)
	require.Equal(t, "sym42", req.Symbols[0].Name)

	req = &Request{Kind: KindFetchChildren, ID: 1}
	err := h.Submit(req, true)
	require.Error(t, err)
	require.True(t, errors.Is(err, proc.ErrProviderFailure))
}

func TestSubmitSerializesRequests(t *testing.T) {
	p := &scriptProvider{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	h := NewHandle(p, newTestSource(), 0)
	defer h.Close()

	first := make(chan error, 1)
	go func() { first <- h.Submit(&Request{Kind: KindFetchSymbol, ID: 1}, true) }()
	<-p.entered

	second := make(chan error, 1)
	go func() { second <- h.Submit(&Request{Kind: KindFilePath, FileID: 2}, true) }()

	select {
	case <-second:
		t.Fatal("second request completed while the first was executing")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&p.calls))

	close(p.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
	require.Equal(t, int32(1), atomic.LoadInt32(&p.maxInflight))
}

func TestSubmitManyConcurrent(t *testing.T) {
	p := &scriptProvider{}
	h := NewHandle(p, newTestSource(), 0)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &Request{Kind: KindLinesByVA, VA: uint64(i), Length: 1}
			if err := h.Submit(req, true); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(16), atomic.LoadInt32(&p.calls))
	require.Equal(t, int32(1), atomic.LoadInt32(&p.maxInflight))
}

func TestOpenServicesReadsOnPoll(t *testing.T) {
	src := newTestSource()
	p := &scriptProvider{openReads: 3}
	h := NewHandle(p, src, 0)
	defer h.Close()

	require.Equal(t, Failed, h.PollCompletion().Tag)
	require.NoError(t, h.Open(OpenRequest{Path: "a.pdb", LoadAddress: 0x1000}))

	var c Completion
	for i := 0; i < 1000; i++ {
		c = h.PollCompletion()
		if c.Tag != NotComplete {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, Complete, c.Tag)
	require.Equal(t, OpenResult{GlobalID: 1, Machine: 0x8664, ProviderVersion: 7, UsedPath: "a.pdb"}, c.Result)
	require.Equal(t, 4, src.reads)

	// polling again reports the same result
	require.Equal(t, c, h.PollCompletion())
}

func TestOpenFailure(t *testing.T) {
	p := &scriptProvider{openErr: errors.New("bad signature")}
	h := NewHandle(p, newTestSource(), 0)
	defer h.Close()

	require.NoError(t, h.Open(OpenRequest{LoadAddress: 0x1000}))
	c := h.WaitOpen(context.Background())
	require.Equal(t, Failed, c.Tag)
	require.Equal(t, "bad signature", c.Msg)
}

func TestReadSizeLimit(t *testing.T) {
	p := &scriptProvider{openReads: 1}
	h := NewHandle(p, newTestSource(), 2)
	defer h.Close()

	require.NoError(t, h.Open(OpenRequest{LoadAddress: 0x1000}))
	c := h.WaitOpen(context.Background())
	require.Equal(t, Failed, c.Tag)
	require.Contains(t, c.Msg, "exceeds limit")
}

// slowOpen reads until a read fails, like a provider scanning a large
// file.
type slowOpen struct {
	scriptProvider
	failed chan error
}

func (p *slowOpen) Open(ctx context.Context, req OpenRequest, r Reader) (OpenResult, error) {
	buf := make([]byte, 1)
	for {
		if _, err := r.ReadInputFile(buf, 0); err != nil {
			p.failed <- err
			return OpenResult{}, err
		}
	}
}

func TestCancelOpenDrainsReads(t *testing.T) {
	p := &slowOpen{failed: make(chan error, 1)}
	h := NewHandle(p, newTestSource(), 0)

	require.NoError(t, h.Open(OpenRequest{LoadAddress: 0x1000}))
	for i := 0; i < 5; i++ {
		require.Equal(t, NotComplete, h.PollCompletion().Tag)
	}
	h.CancelOpen()
	require.ErrorIs(t, <-p.failed, ErrCancelled)
	require.Equal(t, Failed, h.PollCompletion().Tag)

	require.NoError(t, h.Close())
	require.True(t, p.closed)
}

func TestKill(t *testing.T) {
	p := &scriptProvider{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	h := NewHandle(p, newTestSource(), 0)

	done := make(chan error, 1)
	go func() { done <- h.Submit(&Request{Kind: KindFetchSymbol}, true) }()
	<-p.entered
	h.Kill()
	require.ErrorIs(t, <-done, ErrKilled)

	// the abandoned call is still running: nothing else may reach the
	// provider
	req := &Request{Kind: KindFilePath, FileID: 9}
	require.ErrorIs(t, h.Submit(req, true), ErrKilled)
	require.ErrorIs(t, h.Open(OpenRequest{Path: "a.pdb"}), ErrKilled)
	require.EqualValues(t, 1, atomic.LoadInt32(&p.maxInflight))
	require.EqualValues(t, 1, atomic.LoadInt32(&p.calls))
	require.Empty(t, req.Path)
	require.NoError(t, h.Close())
	close(p.gate)
}
