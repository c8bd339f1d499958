package toyrt

import "github.com/toyrt/runtime/recorder"

// maxSpin bounds the exponential backoff of an idle worker.
const maxSpin = 1 << 20

// worker drains the ready queue until it pops a nil sentinel. Workers are
// built once on the first Run and reused, so their timelines span runs.
type worker struct {
	id       int
	rt       *Runtime
	timeline recorder.Timeline
}

func (w *worker) mainLoop() {
	spin := 1
	for {
		n, ok := w.rt.ready.tryPop()
		if !ok {
			// Exponential backoff while the queue is empty.
			for i := 0; i < spin; i++ {
				relaxCPU()
			}
			if spin < maxSpin {
				spin <<= 1
			}
			continue
		}
		spin = 1
		if n == nil {
			// Shutdown sentinel.
			return
		}
		if w.rt.cfg.RequeueNotReady && !w.ready(n) {
			w.rt.ready.push(n)
			continue
		}
		execute(w.rt, n, &w.timeline)
	}
}

// ready reports whether every input of n is resident.
func (w *worker) ready(n *taskNode) bool {
	if n.noPrefetch {
		return true
	}
	for _, a := range n.params {
		if a.Data.Header().swapped.Load() {
			return false
		}
	}
	return true
}
