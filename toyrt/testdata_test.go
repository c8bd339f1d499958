package toyrt

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// blobData is the test data type: a byte buffer with a logical size.
type blobData struct {
	hdr Header
	buf []byte // nil when deallocated
	n   int
}

func newBlob(n int, swappable bool) *blobData {
	d := &blobData{n: n, buf: make([]byte, n)}
	d.hdr.Swappable = swappable
	return d
}

func (d *blobData) Header() *Header   { return &d.hdr }
func (d *blobData) PackedSize() int64 { return int64(d.n) }
func (d *blobData) Pack() []byte      { return append([]byte(nil), d.buf...) }
func (d *blobData) Unpack(buf []byte) { d.buf = append([]byte(nil), buf...) }
func (d *blobData) Deallocate()       { d.buf = nil }
func (d *blobData) Size() uint64      { return uint64(d.n) }

func (d *blobData) fill(v byte) {
	for i := range d.buf {
		d.buf[i] = v
	}
}

func (d *blobData) isFilled(v byte) bool {
	if d.buf == nil {
		return false
	}
	return bytes.Equal(d.buf, bytes.Repeat([]byte{v}, d.n))
}

// fnTask runs a closure.
type fnTask struct {
	name string
	fn   func()
}

func (t *fnTask) TaskName() string {
	if t.name == "" {
		return "Fn"
	}
	return t.name
}

func (t *fnTask) Call() {
	if t.fn != nil {
		t.fn()
	}
}

// execLog records task completions with timestamps, from any goroutine.
type execLog struct {
	mu      sync.Mutex
	order   []string
	started map[string]time.Time
	stopped map[string]time.Time
}

func newExecLog() *execLog {
	return &execLog{
		started: make(map[string]time.Time),
		stopped: make(map[string]time.Time),
	}
}

// task returns an fnTask logging its execution window under the given name.
func (l *execLog) task(name string, body func()) *fnTask {
	return &fnTask{name: name, fn: func() {
		l.mu.Lock()
		l.started[name] = time.Now()
		l.mu.Unlock()
		if body != nil {
			body()
		}
		l.mu.Lock()
		l.stopped[name] = time.Now()
		l.order = append(l.order, name)
		l.mu.Unlock()
	}}
}

func (l *execLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// before reports whether a finished no later than b started.
func (l *execLog) before(a, b string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped[a].After(l.started[b])
}

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	if cfg.SpillDir == "" {
		cfg.SpillDir = t.TempDir()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}
