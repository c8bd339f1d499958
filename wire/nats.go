package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces the runtime's subjects on a shared NATS server.
const subjectPrefix = "toyrt"

// NATSWire rides a NATS connection. Subjects are
// "toyrt.<to>.<from>.<tag>.<stage>"; NATS preserves per-subject publish
// order from a single connection, which is all the ordering the two-stage
// protocol needs.
type NATSWire struct {
	nc   *nats.Conn
	rank int
	size int
	subs map[subKey]*nats.Subscription
}

type subKey struct {
	from  int
	tag   int
	stage Stage
}

// NewNATS wraps an established connection. The caller assigns this process
// its rank in [0, size).
func NewNATS(nc *nats.Conn, rank, size int) (*NATSWire, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("wire: rank %d out of range [0, %d)", rank, size)
	}
	return &NATSWire{nc: nc, rank: rank, size: size, subs: make(map[subKey]*nats.Subscription)}, nil
}

func (w *NATSWire) Rank() int      { return w.rank }
func (w *NATSWire) WorldSize() int { return w.size }

func subject(to, from, tag int, stage Stage) string {
	s := "size"
	if stage == StagePayload {
		s = "data"
	}
	return fmt.Sprintf("%s.%d.%d.%d.%s", subjectPrefix, to, from, tag, s)
}

type natsSendOp struct{}

func (natsSendOp) Test() (bool, []byte, error) { return true, nil, nil }

// SendInit publishes the stage message. The client buffers the publish, so
// the op completes on its first Test.
func (w *NATSWire) SendInit(to, tag int, stage Stage, payload []byte) (Op, error) {
	if tag == 0 {
		return nil, errors.New("wire: tag 0 is reserved")
	}
	if err := w.nc.Publish(subject(to, w.rank, tag, stage), payload); err != nil {
		return nil, fmt.Errorf("wire: publish: %w", err)
	}
	return natsSendOp{}, nil
}

type natsRecvOp struct {
	sub *nats.Subscription
}

func (o natsRecvOp) Test() (bool, []byte, error) {
	msg, err := o.sub.NextMsg(time.Millisecond)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("wire: next msg: %w", err)
	}
	return true, msg.Data, nil
}

// RecvInit arms a receive on the (from, tag, stage) subject. The sync
// subscription is created once per tuple and reused, so back-to-back
// transfers keep their order.
func (w *NATSWire) RecvInit(from, tag int, stage Stage) (Op, error) {
	if tag == 0 {
		return nil, errors.New("wire: tag 0 is reserved")
	}
	key := subKey{from: from, tag: tag, stage: stage}
	sub, ok := w.subs[key]
	if !ok {
		var err error
		sub, err = w.nc.SubscribeSync(subject(w.rank, from, tag, stage))
		if err != nil {
			return nil, fmt.Errorf("wire: subscribe: %w", err)
		}
		w.subs[key] = sub
	}
	return natsRecvOp{sub: sub}, nil
}

func (w *NATSWire) Close() error {
	for _, sub := range w.subs {
		_ = sub.Unsubscribe()
	}
	w.subs = make(map[subKey]*nats.Subscription)
	return nil
}
