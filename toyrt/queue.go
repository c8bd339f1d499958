package toyrt

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/toyrt/runtime/recorder"
)

// taskQueue is the ready queue shared by the workers. A nil node is a valid
// element: it is the worker shutdown sentinel.
type taskQueue interface {
	push(n *taskNode)
	tryPop() (*taskNode, bool)
	clear()
}

// queueStats mirrors the live element count into the tasks recorder and an
// otel gauge.
type queueStats struct {
	count int64
	rec   *recorder.Recorder
	gauge metric.Int64Gauge
}

func (s *queueStats) record(delta int64) {
	s.count += delta
	if s.rec != nil {
		s.rec.Record(s.count)
	}
	if s.gauge != nil {
		s.gauge.Record(context.Background(), s.count)
	}
}

// fifoQueue is the eager variant: a single locked deque, no priorities.
type fifoQueue struct {
	mu    sync.Mutex
	q     []*taskNode
	stats queueStats
}

func newFIFOQueue(rec *recorder.Recorder, gauge metric.Int64Gauge) *fifoQueue {
	return &fifoQueue{stats: queueStats{rec: rec, gauge: gauge}}
}

func (q *fifoQueue) push(n *taskNode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q = append(q.q, n)
	q.stats.record(1)
}

func (q *fifoQueue) tryPop() (*taskNode, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return nil, false
	}
	n := q.q[0]
	q.q = q.q[1:]
	q.stats.record(-1)
	return n, true
}

func (q *fifoQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q = nil
	q.stats.count = 0
}

// priorityQueue keeps one deque per priority level under a single mutex.
// Sentinels land on the Low deque so real work drains first.
type priorityQueue struct {
	mu    sync.Mutex
	q     [numPriorities][]*taskNode
	stats queueStats
}

func newPriorityQueue(rec *recorder.Recorder, gauge metric.Int64Gauge) *priorityQueue {
	return &priorityQueue{stats: queueStats{rec: rec, gauge: gauge}}
}

func (q *priorityQueue) push(n *taskNode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := Low
	if n != nil {
		p = n.priority
	}
	q.q[p] = append(q.q[p], n)
	q.stats.record(1)
}

func (q *priorityQueue) tryPop() (*taskNode, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := High; p < numPriorities; p++ {
		if len(q.q[p]) == 0 {
			continue
		}
		n := q.q[p][0]
		q.q[p] = q.q[p][1:]
		q.stats.record(-1)
		return n, true
	}
	return nil, false
}

func (q *priorityQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.q {
		q.q[p] = nil
	}
	q.stats.count = 0
}
