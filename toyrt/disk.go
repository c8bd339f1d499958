package toyrt

import (
	"fmt"
	"os"
	"path/filepath"
)

// SpillBackend stores and restores packed data. It is only ever called from
// the I/O service goroutine, so implementations need no locking.
type SpillBackend interface {
	Write(d Data) error
	Read(d Data) error
	Delete(d Data) error
	Close() error
}

// filesPerDir is the sharding factor of the spill directory.
const filesPerDir = 1000

// fileBackend packs each data item into its own file under a private
// temporary directory, sharded NNNN/MMMMMM.
type fileBackend struct {
	baseDir string
	index   int
	names   map[Data]string
}

// NewFileBackend creates a spill directory under dir (os.TempDir() if
// empty).
func NewFileBackend(dir string) (SpillBackend, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	base, err := os.MkdirTemp(dir, "toyrt_ooc_")
	if err != nil {
		return nil, fmt.Errorf("toyrt: spill dir: %w", err)
	}
	return &fileBackend{baseDir: base, names: make(map[Data]string)}, nil
}

func (b *fileBackend) fileFor(d Data) (string, error) {
	if name, ok := b.names[d]; ok {
		return name, nil
	}
	if b.index%filesPerDir == 0 {
		sub := filepath.Join(b.baseDir, fmt.Sprintf("%04d", b.index/filesPerDir))
		if err := os.Mkdir(sub, 0o700); err != nil {
			return "", fmt.Errorf("toyrt: spill shard: %w", err)
		}
	}
	name := filepath.Join(b.baseDir,
		fmt.Sprintf("%04d", b.index/filesPerDir),
		fmt.Sprintf("%06d", b.index))
	b.names[d] = name
	b.index++
	return name, nil
}

func (b *fileBackend) Write(d Data) error {
	name, err := b.fileFor(d)
	if err != nil {
		return err
	}
	buf := d.Pack()
	if err := os.WriteFile(name, buf, 0o600); err != nil {
		return fmt.Errorf("toyrt: spill write: %w", err)
	}
	return nil
}

func (b *fileBackend) Read(d Data) error {
	name, ok := b.names[d]
	if !ok {
		return fmt.Errorf("toyrt: no spill file for data")
	}
	buf, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("toyrt: spill read: %w", err)
	}
	d.Unpack(buf)
	return nil
}

func (b *fileBackend) Delete(d Data) error {
	name, ok := b.names[d]
	if !ok {
		return nil
	}
	delete(b.names, d)
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("toyrt: spill delete: %w", err)
	}
	return nil
}

func (b *fileBackend) Close() error {
	b.names = make(map[Data]string)
	return os.RemoveAll(b.baseDir)
}

// flushTask marks its data as the oldest LRU entry so the next eviction
// pass picks it first. Its single WRITE dependency serializes it behind
// every earlier access.
type flushTask struct {
	rt *Runtime
	d  Data
}

func (t *flushTask) TaskName() string { return "Flush" }

func (t *flushTask) Call() {
	t.rt.lruMu.Lock()
	t.rt.lru.PutOldest(t.d)
	t.rt.lruMu.Unlock()
}

// FlushToDisk marks d as the preferred eviction candidate once all
// previously submitted accesses to it have completed.
func (r *Runtime) FlushToDisk(d Data) error {
	return r.insertServiceNode(&flushTask{rt: r, d: d}, Deps{{d, Write}},
		Normal, true, true, true)
}
