package toyrt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/toyrt/runtime/core/logging"
	"github.com/toyrt/runtime/lru"
	"github.com/toyrt/runtime/recorder"
	"github.com/toyrt/runtime/wire"
)

// Config tunes a Runtime. The zero value is a usable single-rank setup with
// no memory budget.
type Config struct {
	// MaxMemorySize is the resident-data budget in bytes. 0 means no limit.
	MaxMemorySize uint64
	// OutputDir receives the dump files written at the end of Run.
	// Empty means the current directory.
	OutputDir string
	// SpillDir hosts the swap directory. Empty means os.TempDir().
	SpillDir string
	// Backend overrides the spill backend. Nil selects the sharded file
	// backend rooted at SpillDir.
	Backend SpillBackend
	// FIFOQueue selects the eager single-deque ready queue instead of the
	// default priority queue.
	FIFOQueue bool
	// RequeueNotReady makes workers push a popped task whose inputs are
	// still being prefetched back onto the queue, instead of busy-waiting
	// in execute.
	RequeueNotReady bool
	// DisableReplicaCache makes every distributed submission invalidate its
	// dependencies immediately instead of tracking replicas.
	DisableReplicaCache bool
	// Wire connects this runtime to its peers. Nil means single rank.
	Wire wire.Wire
	// Meter receives the runtime's instruments. Nil means no metrics.
	Meter metric.Meter
	// Tracer receives the runtime's run spans. Nil means no tracing.
	// core/otelinit.Setup produces both Meter and Tracer.
	Tracer trace.Tracer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Runtime owns the task graph, the ready queue, the worker pool and the
// I/O and communication services. Create one with New; it is not a
// singleton, but a single Runtime must not run concurrently with itself.
type Runtime struct {
	cfg       Config
	log       *slog.Logger
	tracer    trace.Tracer
	maxMemory uint64
	outputDir string

	ready taskQueue
	// taskCountRec holds the ready-queue depth samples plus the
	// Prepare/Go/Done run markers; it becomes tasks.txt.
	taskCountRec *recorder.Recorder
	dataSizeRec  *recorder.Recorder
	writtenRec   *recorder.Recorder
	readRec      *recorder.Recorder

	dataGauge  metric.Int64Gauge
	writtenCtr metric.Int64Counter
	readCtr    metric.Int64Counter

	// mu is the post-execution mutex: it serializes the hook and guards
	// succ and the task slots during a run.
	mu sync.Mutex

	lruMu    sync.Mutex
	lru      *lru.Index[Data]
	dataSize atomic.Int64

	tasks      []*taskNode
	succ       []successors
	edges      []edge
	dataAccess map[Data]*accessTracker

	tasksLeft  atomic.Int64
	totalTasks int

	progressCB func(tasksLeft, totalTasks int)
	pctFreq    float64
	nextWakeup int64
	condMu     sync.Mutex
	progress   *sync.Cond
	// wakeups queues the tasksLeft snapshots taken at notification time, so
	// every threshold crossing produces exactly one callback invocation.
	wakeups []int64

	nWorkers int
	workers  []*worker
	io       *ioService
	pool     *requestPool
	cache    *dataCache
}

// New builds a runtime from cfg.
func New(cfg Config) (*Runtime, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("toyrt")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("toyrt")
	}
	maxMemory := cfg.MaxMemorySize
	if maxMemory == 0 {
		maxMemory = math.MaxUint64
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "."
	}

	r := &Runtime{
		cfg:          cfg,
		log:          log,
		tracer:       tracer,
		maxMemory:    maxMemory,
		outputDir:    outputDir,
		taskCountRec: recorder.New(),
		dataSizeRec:  recorder.New(),
		writtenRec:   recorder.New(),
		readRec:      recorder.New(),
		lru:          lru.New[Data](),
		dataAccess:   make(map[Data]*accessTracker),
	}
	r.progress = sync.NewCond(&r.condMu)

	readyGauge, _ := meter.Int64Gauge("toyrt_ready_tasks")
	r.dataGauge, _ = meter.Int64Gauge("toyrt_resident_bytes")
	r.writtenCtr, _ = meter.Int64Counter("toyrt_spill_written_bytes_total")
	r.readCtr, _ = meter.Int64Counter("toyrt_spill_read_bytes_total")

	if cfg.FIFOQueue {
		r.ready = newFIFOQueue(r.taskCountRec, readyGauge)
	} else {
		r.ready = newPriorityQueue(r.taskCountRec, readyGauge)
	}

	backend := cfg.Backend
	if backend == nil {
		var err error
		backend, err = NewFileBackend(cfg.SpillDir)
		if err != nil {
			return nil, err
		}
	}
	r.io = newIOService(backend)

	if cfg.Wire != nil && cfg.Wire.WorldSize() > 1 {
		r.cache = newDataCache(r, cfg.Wire.Rank(), cfg.Wire.WorldSize())
		r.cache.enabled = !cfg.DisableReplicaCache
		r.pool = newRequestPool(r, cfg.Wire)
	}
	return r, nil
}

// Rank returns this runtime's rank, 0 when not distributed.
func (r *Runtime) Rank() int {
	if r.cfg.Wire == nil {
		return 0
	}
	return r.cfg.Wire.Rank()
}

// WorldSize returns the number of ranks, 1 when not distributed.
func (r *Runtime) WorldSize() int {
	if r.cfg.Wire == nil {
		return 1
	}
	return r.cfg.Wire.WorldSize()
}

// SetMaxMemorySize adjusts the resident-data budget between runs.
// 0 means no limit.
func (r *Runtime) SetMaxMemorySize(bytes uint64) {
	if bytes == 0 {
		bytes = math.MaxUint64
	}
	r.maxMemory = bytes
}

// SetProgressCallback installs fn, invoked from the Run goroutine every
// time frequencyPercent of the total tasks complete.
func (r *Runtime) SetProgressCallback(fn func(tasksLeft, totalTasks int), frequencyPercent float64) {
	r.progressCB = fn
	r.pctFreq = frequencyPercent
}

// startPrefetch pins the inputs of a task that just became ready and kicks
// off reads for those currently on disk.
func (r *Runtime) startPrefetch(n *taskNode) {
	if n.noPrefetch {
		return
	}
	r.lruMu.Lock()
	defer r.lruMu.Unlock()
	for _, a := range n.params {
		h := a.Data.Header()
		h.refCount++
		r.lru.Remove(a.Data)
		if !h.prefetchInFlight.Load() && h.swapped.Load() {
			h.prefetchInFlight.Store(true)
			r.io.pushPrefetch(a.Data)
			r.dataSize.Add(int64(h.oldSize))
			r.readRec.Record(int64(h.oldSize))
			r.readCtr.Add(context.Background(), int64(h.oldSize))
		}
	}
}

// evict swaps out least-recently-used data until the resident size fits the
// budget again.
func (r *Runtime) evict() {
	// Quick return to avoid the LRU mutex when under budget.
	if uint64(r.dataSize.Load()) <= r.maxMemory {
		return
	}
	r.lruMu.Lock()
	defer r.lruMu.Unlock()
	for uint64(r.dataSize.Load()) > r.maxMemory {
		d, ok := r.lru.PopOldest()
		if !ok {
			return
		}
		h := d.Header()
		r.dataSize.Add(-int64(h.oldSize))
		h.prefetchInFlight.Store(false)
		r.io.pushSwap(d)
		r.writtenRec.Record(int64(h.oldSize))
		r.writtenCtr.Add(context.Background(), int64(h.oldSize))
	}
}

// postTaskExecution is the hook run after every task completes. Callback
// successors are executed inline after the hook's mutex is released; their
// Call must not submit tasks or re-enter the hook.
func (r *Runtime) postTaskExecution(n *taskNode) {
	var callbacks []*taskNode
	r.postTaskExecutionInternal(n, &callbacks)
	for _, cb := range callbacks {
		execute(r, cb, nil)
	}
}

func (r *Runtime) postTaskExecutionInternal(n *taskNode, callbacks *[]*taskNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !n.noPrefetch {
		for _, a := range n.params {
			h := a.Data.Header()
			if h.refCount <= 0 {
				panic(fmt.Sprintf("toyrt: %s: refCount %d on completion", n.description(), h.refCount))
			}
			if h.swapped.Load() {
				panic(fmt.Sprintf("toyrt: %s: data swapped during execution", n.description()))
			}
			h.refCount--
			if a.Mode == Write {
				h.setDirty(true)
				r.dataSize.Add(-int64(h.oldSize))
				h.oldSize = a.Data.Size()
				r.dataSize.Add(int64(h.oldSize))
			}
		}
		r.dataSizeRec.Record(r.dataSize.Load())
		r.dataGauge.Record(context.Background(), r.dataSize.Load())
	}

	left := r.tasksLeft.Add(-1)

	for _, s := range r.succ[n.index].out {
		r.succ[s].count--
		if r.succ[s].count < 0 {
			panic(fmt.Sprintf("toyrt: negative in-degree on task %d", s))
		}
		if r.succ[s].count == 0 {
			sn := r.tasks[s]
			r.startPrefetch(sn)
			if sn.isCallback {
				*callbacks = append(*callbacks, sn)
			} else {
				r.ready.push(sn)
			}
		}
	}

	// Re-insert into the LRU only after the successors were pushed, so data
	// a just-readied task needs is not momentarily evictable.
	if !n.noPrefetch {
		r.lruMu.Lock()
		for _, a := range n.params {
			h := a.Data.Header()
			if h.refCount == 0 && h.Swappable {
				r.lru.Put(a.Data)
			}
		}
		r.lruMu.Unlock()
	}

	r.evict()
	r.tasks[n.index] = nil

	if left == 0 {
		// This is the last post-execution hook: nothing else is waiting to
		// run, the workers can stop.
		r.stopAllWorkers()
	}
	r.notifyProgress(left)
}

func (r *Runtime) stopAllWorkers() {
	for i := 0; i < r.nWorkers; i++ {
		r.ready.push(nil)
	}
}

func (r *Runtime) notifyProgress(left int64) {
	if left != r.nextWakeup && left != 0 {
		return
	}
	r.condMu.Lock()
	step := int64(r.pctFreq / 100 * float64(r.totalTasks))
	if step < 1 {
		step = 1
	}
	r.nextWakeup -= step
	r.wakeups = append(r.wakeups, left)
	r.condMu.Unlock()
	r.progress.Signal()
}

// progressLoop runs on the Run goroutine: it consumes wakeup snapshots one
// by one, invoking the user callback for each, and returns once the last
// task completed and every wakeup has been delivered.
func (r *Runtime) progressLoop() {
	r.condMu.Lock()
	for {
		for len(r.wakeups) == 0 {
			if r.tasksLeft.Load() == 0 {
				r.condMu.Unlock()
				return
			}
			r.progress.Wait()
		}
		left := r.wakeups[0]
		r.wakeups = r.wakeups[1:]
		cb := r.progressCB
		r.condMu.Unlock()
		if cb != nil {
			cb(int(left), r.totalTasks)
		}
		r.condMu.Lock()
	}
}

// Run executes the submitted graph on n workers and blocks until every task
// completed. The worker pool is built lazily on the first call and its size
// is fixed afterwards.
func (r *Runtime) Run(n int) error {
	if n <= 0 {
		return fmt.Errorf("toyrt: worker count %d", n)
	}
	if r.nWorkers != 0 && r.nWorkers != n {
		return fmt.Errorf("toyrt: worker count fixed at %d on first run", r.nWorkers)
	}
	r.nWorkers = n

	runID := uuid.NewString()
	runLog := logging.WithRun(r.log, runID)
	log := logging.WithRole(runLog, logging.RoleMain)
	log.Info("run starting", "workers", n, "tasks", r.totalTasks, "rank", r.Rank())

	_, span := r.tracer.Start(context.Background(), "toyrt.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("workers", n),
			attribute.Int("tasks", r.totalTasks),
			attribute.Int("rank", r.Rank()),
		),
	)
	defer span.End()

	span.AddEvent("prepare")
	r.taskCountRec.Tag("Prepare")
	r.prepare()
	r.taskCountRec.Tag("Go")
	span.AddEvent("go")

	// Zero points so the I/O volume plots start at the origin.
	r.writtenRec.Record(0)
	r.readRec.Record(0)

	if r.pool != nil {
		r.pool.start(logging.WithRole(runLog, logging.RoleComm))
	}
	r.io.start(logging.WithRole(runLog, logging.RoleIO))

	if len(r.workers) == 0 {
		for i := 0; i < n; i++ {
			r.workers = append(r.workers, &worker{id: i, rt: r})
		}
	}

	if r.tasksLeft.Load() != 0 {
		var wg sync.WaitGroup
		for _, w := range r.workers {
			wg.Add(1)
			go func(w *worker) {
				defer wg.Done()
				w.mainLoop()
			}(w)
		}
		r.progressLoop()
		wg.Wait()
	}

	if r.pool != nil {
		r.pool.stop()
		r.pool.wait()
	}
	r.io.stop()
	r.io.wait()
	r.taskCountRec.Tag("Done")
	span.AddEvent("done")

	// Reset the per-run state.
	r.ready.clear()
	r.dataAccess = make(map[Data]*accessTracker)
	r.edges = nil
	r.succ = nil
	for i, t := range r.tasks {
		if t != nil {
			panic(fmt.Sprintf("toyrt: task %d survived the run: %s", i, t.description()))
		}
	}
	r.tasks = nil
	r.tasksLeft.Store(0)
	r.totalTasks = 0
	r.nextWakeup = 0

	if err := r.dumpRecords(); err != nil {
		return err
	}
	log.Info("run complete")
	return nil
}

func (r *Runtime) dumpRecords() error {
	dumps := []struct {
		rec  *recorder.Recorder
		name string
	}{
		{r.taskCountRec, "tasks.txt"},
		{r.dataSizeRec, "data_size.txt"},
		{r.writtenRec, "data_written.txt"},
		{r.readRec, "data_read.txt"},
	}
	for _, d := range dumps {
		if err := d.rec.ToFile(filepath.Join(r.outputDir, d.name)); err != nil {
			return err
		}
	}
	if err := r.DumpTimeline(filepath.Join(r.outputDir, "timeline.json")); err != nil {
		return err
	}
	if r.pool != nil {
		if err := r.pool.dumpRecords(r.outputDir); err != nil {
			return err
		}
	}
	return nil
}

// DumpTimeline writes every worker's execution timeline as one JSON array
// per worker, with times offset from the earliest recorded start.
func (r *Runtime) DumpTimeline(path string) error {
	minTime := int64(math.MaxInt64)
	for _, w := range r.workers {
		if t := w.timeline.MinTime(); t != 0 && t < minTime {
			minTime = t
		}
	}
	if minTime == math.MaxInt64 {
		minTime = 0
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("toyrt: timeline dump: %w", err)
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return err
	}
	for i, w := range r.workers {
		if i > 0 {
			if _, err := f.WriteString(", \n"); err != nil {
				f.Close()
				return err
			}
		}
		if err := w.timeline.WriteJSON(f, minTime); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.WriteString("]\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close releases the spill backend and the wire. The runtime must not be
// used afterwards.
func (r *Runtime) Close() error {
	err := r.io.backend.Close()
	if r.cfg.Wire != nil {
		if werr := r.cfg.Wire.Close(); err == nil {
			err = werr
		}
	}
	return err
}
