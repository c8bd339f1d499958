package toyrt

import (
	"fmt"
	"log/slog"
	"sync"
)

type ioKind uint8

const (
	ioRead ioKind = iota
	ioWrite
	ioDelete
)

// ioRequest is one unit of work for the I/O service. A nil *ioRequest in
// the queue is the shutdown sentinel.
type ioRequest struct {
	kind ioKind
	d    Data
}

// ioService serializes all spill traffic on one goroutine and one backend.
type ioService struct {
	mu       sync.Mutex
	cond     *sync.Cond
	requests []*ioRequest
	backend  SpillBackend
	log      *slog.Logger
	done     chan struct{}
}

func newIOService(backend SpillBackend) *ioService {
	s := &ioService{backend: backend}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// start launches the service goroutine with a logger scoped to the
// current run.
func (s *ioService) start(log *slog.Logger) {
	s.log = log
	s.done = make(chan struct{})
	go s.mainLoop()
}

// pushSwap queues a swap-out. The data is flagged as swapped immediately,
// before the write happens: from here on workers must wait for it.
func (s *ioService) pushSwap(d Data) {
	h := d.Header()
	if !h.Swappable {
		panic("toyrt: swap-out of non-swappable data")
	}
	if h.swapped.Load() {
		panic("toyrt: swap-out of already swapped data")
	}
	s.mu.Lock()
	h.swapped.Store(true)
	s.requests = append(s.requests, &ioRequest{kind: ioWrite, d: d})
	s.mu.Unlock()
	s.cond.Signal()
}

// pushPrefetch queues a read-back of a swapped data.
func (s *ioService) pushPrefetch(d Data) {
	h := d.Header()
	if !h.Swappable {
		panic("toyrt: prefetch of non-swappable data")
	}
	if !h.swapped.Load() {
		panic("toyrt: prefetch of resident data")
	}
	s.mu.Lock()
	s.requests = append(s.requests, &ioRequest{kind: ioRead, d: d})
	s.mu.Unlock()
	s.cond.Signal()
}

// pushDelete queues removal of the on-disk copy.
func (s *ioService) pushDelete(d Data) {
	s.mu.Lock()
	s.requests = append(s.requests, &ioRequest{kind: ioDelete, d: d})
	s.mu.Unlock()
	s.cond.Signal()
}

// stop queues the shutdown sentinel. It must be the last request.
func (s *ioService) stop() {
	s.mu.Lock()
	s.requests = append(s.requests, nil)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *ioService) wait() {
	<-s.done
}

func (s *ioService) mainLoop() {
	defer close(s.done)
	s.log.Debug("io service started")
	defer s.log.Debug("io service stopped")
	shouldStop := false
	for {
		s.mu.Lock()
		for len(s.requests) == 0 && !shouldStop {
			s.cond.Wait()
		}
		if len(s.requests) == 0 && shouldStop {
			s.mu.Unlock()
			return
		}
		for len(s.requests) > 0 {
			req := s.requests[0]
			s.requests = s.requests[1:]
			s.mu.Unlock()
			if req == nil {
				shouldStop = true
			} else {
				s.process(req)
			}
			s.mu.Lock()
		}
		s.mu.Unlock()
	}
}

func (s *ioService) process(req *ioRequest) {
	h := req.d.Header()
	switch req.kind {
	case ioRead:
		if err := s.backend.Read(req.d); err != nil {
			panic(fmt.Sprintf("toyrt: prefetch failed: %v", err))
		}
		h.setDirty(false)
		h.prefetchInFlight.Store(false)
		// Cleared last: the release store pairs with the workers' acquire
		// loads, making the unpacked bytes visible to them.
		h.swapped.Store(false)
	case ioWrite:
		if h.dirty() {
			if err := s.backend.Write(req.d); err != nil {
				panic(fmt.Sprintf("toyrt: swap-out failed: %v", err))
			}
			h.setDirty(false)
		}
		req.d.Deallocate()
	case ioDelete:
		if err := s.backend.Delete(req.d); err != nil {
			panic(fmt.Sprintf("toyrt: spill delete failed: %v", err))
		}
	}
}
