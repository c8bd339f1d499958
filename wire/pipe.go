package wire

import (
	"errors"
	"fmt"
	"sync"
)

// pipeDepth bounds the number of undelivered messages per channel tuple.
const pipeDepth = 1024

// Hub is an in-process transport shared by several ranks running in one
// process. It exists for tests and single-machine experiments; production
// clusters use NATSWire.
type Hub struct {
	size  int
	mu    sync.Mutex
	chans map[pipeKey]chan []byte
}

type pipeKey struct {
	to, from, tag int
	stage         Stage
}

func NewHub(size int) *Hub {
	return &Hub{size: size, chans: make(map[pipeKey]chan []byte)}
}

func (h *Hub) channel(k pipeKey) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.chans[k]
	if !ok {
		ch = make(chan []byte, pipeDepth)
		h.chans[k] = ch
	}
	return ch
}

// Endpoint returns the wire for one rank.
func (h *Hub) Endpoint(rank int) (*PipeWire, error) {
	if rank < 0 || rank >= h.size {
		return nil, fmt.Errorf("wire: rank %d out of range [0, %d)", rank, h.size)
	}
	return &PipeWire{hub: h, rank: rank}, nil
}

// PipeWire is one rank's view of a Hub.
type PipeWire struct {
	hub  *Hub
	rank int
}

func (w *PipeWire) Rank() int      { return w.rank }
func (w *PipeWire) WorldSize() int { return w.hub.size }

type pipeSendOp struct{}

func (pipeSendOp) Test() (bool, []byte, error) { return true, nil, nil }

func (w *PipeWire) SendInit(to, tag int, stage Stage, payload []byte) (Op, error) {
	if tag == 0 {
		return nil, errors.New("wire: tag 0 is reserved")
	}
	ch := w.hub.channel(pipeKey{to: to, from: w.rank, tag: tag, stage: stage})
	select {
	case ch <- payload:
		return pipeSendOp{}, nil
	default:
		return nil, fmt.Errorf("wire: pipe to rank %d tag %d full", to, tag)
	}
}

type pipeRecvOp struct {
	ch chan []byte
}

func (o pipeRecvOp) Test() (bool, []byte, error) {
	select {
	case payload := <-o.ch:
		return true, payload, nil
	default:
		return false, nil, nil
	}
}

func (w *PipeWire) RecvInit(from, tag int, stage Stage) (Op, error) {
	if tag == 0 {
		return nil, errors.New("wire: tag 0 is reserved")
	}
	ch := w.hub.channel(pipeKey{to: w.rank, from: from, tag: tag, stage: stage})
	return pipeRecvOp{ch: ch}, nil
}

func (w *PipeWire) Close() error { return nil }
