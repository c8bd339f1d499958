package toyrt

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/toyrt/runtime/recorder"
	"github.com/toyrt/runtime/wire"
)

// sendTask ships a data item to another rank. Call only posts the request;
// the communication service runs the post-execution hook once the payload
// left.
type sendTask struct {
	rt    *Runtime
	d     Data
	to    int
	count uint64
	node  *taskNode
}

func (t *sendTask) TaskName() string     { return "Send" }
func (t *sendTask) bindNode(n *taskNode) { t.node = n }

func (t *sendTask) Call() {
	t.count = uint64(t.d.PackedSize())
	t.rt.pool.pushSend(t)
}

// recvTask is the receiving side of a transfer.
type recvTask struct {
	rt   *Runtime
	d    Data
	from int
	node *taskNode
}

func (t *recvTask) TaskName() string     { return "Recv" }
func (t *recvTask) bindNode(n *taskNode) { t.node = n }

func (t *recvTask) Call() {
	t.rt.pool.pushRecv(t)
}

type commKind uint8

const (
	commSend commKind = iota
	commRecv
)

// commRequest is one two-stage transfer owned by the communication
// service.
type commRequest struct {
	kind     commKind
	node     *taskNode
	d        Data
	peer     int
	count    uint64
	op       wire.Op
	sizeDone bool
}

// gateKey identifies the (peer, tag) serialization gate.
type gateKey struct {
	peer, tag int
}

// requestPool owns all wire traffic on a single goroutine. Workers only
// enqueue onto pending; the pool issues, polls and completes transfers.
type requestPool struct {
	rt  *Runtime
	w   wire.Wire
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*commRequest // nil element = stop sentinel

	// Only touched by the pool goroutine.
	detached      []*commRequest
	sendsInFlight map[gateKey]struct{}
	waiting       map[gateKey][]*commRequest

	sentRec *recorder.Recorder
	recvRec *recorder.Recorder

	done chan struct{}
}

func newRequestPool(rt *Runtime, w wire.Wire) *requestPool {
	p := &requestPool{
		rt:            rt,
		w:             w,
		sendsInFlight: make(map[gateKey]struct{}),
		waiting:       make(map[gateKey][]*commRequest),
		sentRec:       recorder.New(),
		recvRec:       recorder.New(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start launches the service goroutine with a logger scoped to the
// current run.
func (p *requestPool) start(log *slog.Logger) {
	p.log = log
	p.done = make(chan struct{})
	go p.mainLoop()
}

func (p *requestPool) pushSend(t *sendTask) {
	if t.d.Header().Tag() == 0 {
		panic("toyrt: send with tag 0")
	}
	p.mu.Lock()
	p.pending = append(p.pending, &commRequest{
		kind: commSend, node: t.node, d: t.d, peer: t.to, count: t.count,
	})
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *requestPool) pushRecv(t *recvTask) {
	if t.d.Header().Tag() == 0 {
		panic("toyrt: recv with tag 0")
	}
	p.mu.Lock()
	p.pending = append(p.pending, &commRequest{
		kind: commRecv, node: t.node, d: t.d, peer: t.from,
	})
	p.mu.Unlock()
	p.cond.Signal()
}

// stop queues the shutdown sentinel; it must be the last request.
func (p *requestPool) stop() {
	p.mu.Lock()
	p.pending = append(p.pending, nil)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *requestPool) wait() {
	<-p.done
}

func (p *requestPool) mainLoop() {
	defer close(p.done)
	p.log.Debug("communication service started", "rank", p.w.Rank())
	defer p.log.Debug("communication service stopped")
	shouldStop := false
	for {
		p.mu.Lock()
		nothingToDo := len(p.pending) == 0 && len(p.detached) == 0
		if nothingToDo && !shouldStop {
			p.cond.Wait()
		}
		shouldReallyStop := shouldStop && nothingToDo
		for len(p.pending) > 0 {
			r := p.pending[0]
			p.pending = p.pending[1:]
			if r == nil {
				if len(p.pending) != 0 {
					panic("toyrt: comm stop sentinel is not the last request")
				}
				shouldStop = true
				continue
			}
			p.mu.Unlock()
			p.pushDetached(r)
			p.mu.Lock()
		}
		p.mu.Unlock()
		if shouldReallyStop {
			return
		}
		p.testDetached()
	}
}

// pushDetached issues the size stage of a request, or parks it when a send
// to the same (peer, tag) is already in flight. At most one send per pair
// may be on the wire, or the transport could interleave the size and
// payload messages of two transfers.
func (p *requestPool) pushDetached(r *commRequest) {
	r.sizeDone = false
	tag := r.d.Header().Tag()
	switch r.kind {
	case commSend:
		k := gateKey{peer: r.peer, tag: tag}
		if _, busy := p.sendsInFlight[k]; busy {
			p.waiting[k] = append(p.waiting[k], r)
			return
		}
		p.sendsInFlight[k] = struct{}{}
		op, err := p.w.SendInit(r.peer, tag, wire.StageSize, wire.EncodeSize(r.count))
		if err != nil {
			panic(fmt.Sprintf("toyrt: wire send: %v", err))
		}
		r.op = op
	case commRecv:
		op, err := p.w.RecvInit(r.peer, tag, wire.StageSize)
		if err != nil {
			panic(fmt.Sprintf("toyrt: wire recv: %v", err))
		}
		r.op = op
	}
	p.detached = append(p.detached, r)
}

func (p *requestPool) testDetached() {
	cur := p.detached
	p.detached = p.detached[len(p.detached):]
	for _, r := range cur {
		done, payload, err := r.op.Test()
		if err != nil {
			panic(fmt.Sprintf("toyrt: wire test: %v", err))
		}
		if !done {
			p.detached = append(p.detached, r)
			continue
		}
		p.processCompleted(r, payload)
	}
}

// processCompleted advances a request whose current stage finished. The
// size stage chains into the payload stage; the payload stage completes the
// originating task.
func (p *requestPool) processCompleted(r *commRequest, payload []byte) {
	tag := r.d.Header().Tag()
	switch {
	case r.kind == commRecv && !r.sizeDone:
		r.sizeDone = true
		r.count = wire.DecodeSize(payload)
		p.recvRec.Record(int64(r.count))
		op, err := p.w.RecvInit(r.peer, tag, wire.StagePayload)
		if err != nil {
			panic(fmt.Sprintf("toyrt: wire recv: %v", err))
		}
		r.op = op
		p.detached = append(p.detached, r)

	case r.kind == commRecv:
		if uint64(len(payload)) != r.count {
			panic(fmt.Sprintf("toyrt: payload size %d, announced %d", len(payload), r.count))
		}
		r.d.Unpack(payload)
		p.rt.postTaskExecution(r.node)

	case r.kind == commSend && !r.sizeDone:
		r.sizeDone = true
		buf := r.d.Pack()
		if uint64(len(buf)) != r.count {
			panic(fmt.Sprintf("toyrt: packed %d bytes, announced %d", len(buf), r.count))
		}
		p.sentRec.Record(int64(r.count))
		op, err := p.w.SendInit(r.peer, tag, wire.StagePayload, buf)
		if err != nil {
			panic(fmt.Sprintf("toyrt: wire send: %v", err))
		}
		r.op = op
		p.detached = append(p.detached, r)

	default: // send payload done
		p.rt.postTaskExecution(r.node)
		k := gateKey{peer: r.peer, tag: tag}
		delete(p.sendsInFlight, k)
		if q := p.waiting[k]; len(q) > 0 {
			next := q[0]
			if len(q) == 1 {
				delete(p.waiting, k)
			} else {
				p.waiting[k] = q[1:]
			}
			p.pushDetached(next)
		}
	}
}

func (p *requestPool) dumpRecords(dir string) error {
	rank := p.w.Rank()
	if err := p.sentRec.ToFile(filepath.Join(dir, fmt.Sprintf("send-%03d.txt", rank))); err != nil {
		return err
	}
	return p.recvRec.ToFile(filepath.Join(dir, fmt.Sprintf("recv-%03d.txt", rank)))
}
