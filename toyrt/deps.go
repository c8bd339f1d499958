package toyrt

import (
	"bufio"
	"fmt"
	"os"
)

// edge is a (predecessor, successor) pair of task indices.
type edge struct {
	from, to int
}

// accessTracker remembers, per data item, the last writer and the readers
// since that write. Serializing read-after-write, write-after-write and
// write-after-read against it yields a legal schedule without a global
// topological sort: submission order is the fallback total order.
type accessTracker struct {
	lastWrite int
	lastReads []int
}

// successors is the per-task in-degree and out-edge list built by prepare.
type successors struct {
	count int
	out   []int
}

// Submit registers a task with its data-access list at Normal priority.
// Submission is single-threaded: only the main goroutine may call it, and
// never while Run is in flight.
func (r *Runtime) Submit(task Task, deps Deps) error {
	return r.SubmitPriority(task, deps, Normal)
}

// SubmitPriority registers a task with an explicit priority.
func (r *Runtime) SubmitPriority(task Task, deps Deps, priority Priority) error {
	n := r.newNode(task, priority)
	return r.insertNode(n, deps)
}

func (r *Runtime) newNode(task Task, priority Priority) *taskNode {
	return &taskNode{
		task:            task,
		name:            taskName(task),
		index:           -1,
		priority:        priority,
		doPostExecution: true,
	}
}

// insertServiceNode submits one of the runtime's own tasks with explicit
// flag settings.
func (r *Runtime) insertServiceNode(task Task, deps Deps, priority Priority,
	callback, post, noPrefetch bool) error {
	n := r.newNode(task, priority)
	n.isCallback = callback
	n.doPostExecution = post
	n.noPrefetch = noPrefetch
	if b, ok := task.(interface{ bindNode(*taskNode) }); ok {
		b.bindNode(n)
	}
	return r.insertNode(n, deps)
}

func (r *Runtime) insertNode(n *taskNode, deps Deps) error {
	// Validate before mutating anything, so a rejected submission leaves the
	// graph untouched.
	for _, a := range deps {
		if a.Data == nil {
			return fmt.Errorf("toyrt: submit %q: nil data in access list", n.name)
		}
		if a.Mode != Read && a.Mode != Write {
			return fmt.Errorf("toyrt: submit %q: invalid access mode %d", n.name, a.Mode)
		}
	}

	r.totalTasks++
	n.index = len(r.tasks)
	if len(r.succ) != len(r.tasks) {
		panic("toyrt: tasks and successors out of sync")
	}
	r.tasks = append(r.tasks, n)
	r.succ = append(r.succ, successors{})
	n.params = append(Deps(nil), deps...)

	// Deduplicate edges contributed by this submission.
	local := make(map[edge]struct{})
	var localOrder []edge
	addEdge := func(e edge) {
		if _, ok := local[e]; ok {
			return
		}
		local[e] = struct{}{}
		localOrder = append(localOrder, e)
	}

	for _, a := range deps {
		h := a.Data.Header()
		tr, ok := r.dataAccess[a.Data]
		if !ok {
			tr = &accessTracker{lastWrite: -1}
			r.dataAccess[a.Data] = tr
		}
		if h.oldSize == 0 {
			h.oldSize = a.Data.Size()
			r.dataSize.Add(int64(h.oldSize))
		}
		switch a.Mode {
		case Read:
			if tr.lastWrite != -1 {
				addEdge(edge{tr.lastWrite, n.index})
			}
			tr.lastReads = append(tr.lastReads, n.index)
		case Write:
			if tr.lastWrite != -1 {
				addEdge(edge{tr.lastWrite, n.index})
			}
			for _, rd := range tr.lastReads {
				addEdge(edge{rd, n.index})
			}
			tr.lastReads = tr.lastReads[:0]
			tr.lastWrite = n.index
		}
	}
	for _, e := range localOrder {
		// The same data listed twice in deps can produce a self-edge.
		if e.from != e.to {
			r.edges = append(r.edges, e)
		}
	}
	return nil
}

// prepare freezes the DAG: in-degrees and out-edges are computed, zero
// in-degree tasks are prefetched and seeded into the ready queue, and the
// edge list is dropped.
func (r *Runtime) prepare() {
	for _, e := range r.edges {
		r.succ[e.from].out = append(r.succ[e.from].out, e.to)
		r.succ[e.to].count++
	}
	for i := range r.succ {
		if r.succ[i].count == 0 {
			r.startPrefetch(r.tasks[i])
			r.ready.push(r.tasks[i])
		}
	}
	r.tasksLeft.Store(int64(len(r.succ)))
	if r.pctFreq > 0 {
		r.nextWakeup = int64((1 - r.pctFreq/100) * float64(len(r.succ)))
	}
	r.edges = nil
}

// graphviz node fill colors, cycled by task name.
var graphvizColors = []string{
	"green", "red", "blue", "gold", "purple", "magenta", "cyan",
	"deeppink", "darkslategray4", "darksalmon", "gray66", "lavender",
	"lightslateblue", "turquoise",
}

// GraphvizDump writes the current DAG as a dot file, colored by task name.
// Call it after submissions and before Run; prepare drops the edge list.
func (r *Runtime) GraphvizDump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("toyrt: graphviz dump: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "digraph tasks {")
	for _, e := range r.edges {
		fmt.Fprintf(w, "%d -> %d;\n", e.from, e.to)
	}
	nameToColor := make(map[string]int)
	for _, n := range r.tasks {
		c, ok := nameToColor[n.name]
		if !ok {
			c = len(nameToColor)
			nameToColor[n.name] = c
		}
		fmt.Fprintf(w, "%d [label=%q,style=filled,fillcolor=%q];\n",
			n.index, n.name, graphvizColors[c%len(graphvizColors)])
	}
	fmt.Fprintln(w, "}")
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// UnregisterData drops every reference the runtime holds to d. It must be
// called before the user disposes of a data item. A spill copy left on disk
// is deleted by the I/O service on the next run.
func (r *Runtime) UnregisterData(d Data) {
	delete(r.dataAccess, d)
	if r.cache != nil {
		r.cache.erase(d)
	}
	r.lruMu.Lock()
	r.lru.Remove(d)
	r.lruMu.Unlock()
	if d.Header().swapped.Load() {
		r.io.pushDelete(d)
	}
}
