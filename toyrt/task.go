package toyrt

import (
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/toyrt/runtime/recorder"
)

// Task is the user-implemented unit of work.
type Task interface {
	Call()
}

// Named lets a task pick the name used in traces and the graphviz dump.
// Tasks without it are named after their Go type.
type Named interface {
	TaskName() string
}

// Annotated lets a task attach a JSON payload to its timeline entry.
type Annotated interface {
	ExtraData() string
}

// Priority orders tasks inside the ready queue. High is drained first.
type Priority int

const (
	High Priority = iota
	Normal
	Low

	numPriorities
)

// taskNode wraps a submitted task with the scheduler-owned bookkeeping.
type taskNode struct {
	task     Task
	name     string
	index    int
	priority Priority
	params   Deps

	// isCallback tasks run inline from the post-execution hook instead of
	// going through the ready queue. Only the internal service tasks set it.
	isCallback bool
	// doPostExecution is false for send/recv tasks: the communication
	// service invokes the hook for them once the payload transfer is done.
	doPostExecution bool
	// noPrefetch skips the prefetch accounting (flush tasks).
	noPrefetch bool
}

func (n *taskNode) description() string {
	return fmt.Sprintf("[idx %d] %s", n.index, n.name)
}

func taskName(t Task) string {
	if n, ok := t.(Named); ok {
		return n.TaskName()
	}
	typ := reflect.TypeOf(t)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Name() != "" {
		return typ.Name()
	}
	return "Task"
}

// relaxCPU is the pause primitive used by the spin loops.
func relaxCPU() {
	runtime.Gosched()
}

// execute runs a task node on the calling goroutine. Fields of the node are
// snapshotted first: a send/recv task hands itself to the communication
// service inside Call, after which the node may be completed and released
// concurrently.
func execute(rt *Runtime, n *taskNode, tl *recorder.Timeline) {
	doPost := n.doPostExecution
	name := n.name
	extraData := ""
	if a, ok := n.task.(Annotated); ok {
		extraData = a.ExtraData()
	}

	if !n.noPrefetch {
		// Readiness at pop time does not guarantee residency: the I/O
		// service completes prefetches asynchronously.
		for _, p := range n.params {
			h := p.Data.Header()
			for h.swapped.Load() {
				relaxCPU()
			}
		}
	}

	if tl != nil {
		start := time.Now()
		n.task.Call()
		stop := time.Now()
		tl.Add(name, start, stop, extraData)
	} else {
		n.task.Call()
	}

	if doPost {
		rt.postTaskExecution(n)
	}
}
