package toyrt

import (
	"bytes"
	"sync"
	"testing"
)

// spyBackend counts backend operations per data item.
type spyBackend struct {
	inner  SpillBackend
	mu     sync.Mutex
	writes map[Data]int
	reads  map[Data]int
}

func newSpyBackend(inner SpillBackend) *spyBackend {
	return &spyBackend{inner: inner, writes: make(map[Data]int), reads: make(map[Data]int)}
}

func (b *spyBackend) Write(d Data) error {
	b.mu.Lock()
	b.writes[d]++
	b.mu.Unlock()
	return b.inner.Write(d)
}

func (b *spyBackend) Read(d Data) error {
	b.mu.Lock()
	b.reads[d]++
	b.mu.Unlock()
	return b.inner.Read(d)
}

func (b *spyBackend) Delete(d Data) error { return b.inner.Delete(d) }
func (b *spyBackend) Close() error        { return b.inner.Close() }

func (b *spyBackend) writeCount(d Data) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[d]
}

func TestMemoryBudgetEviction(t *testing.T) {
	const n = 10
	const size = 128
	inner, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	spy := newSpyBackend(inner)
	rt := newTestRuntime(t, Config{
		MaxMemorySize: 2 * size,
		Backend:       spy,
	})

	var data [n]*blobData
	for i := range data {
		data[i] = newBlob(size, true)
	}
	for i := range data {
		d := data[i]
		v := byte(i + 1)
		if err := rt.Submit(&fnTask{name: "Fill", fn: func() { d.fill(v) }},
			Deps{{d, Write}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := rt.Run(2); err != nil {
		t.Fatalf("Run: %v", err)
	}

	swapped := 0
	for i := range data {
		if spy.writeCount(data[i]) > 0 {
			swapped++
		}
	}
	if swapped < n-2 {
		t.Fatalf("only %d of %d data items were swapped under budget", swapped, n)
	}

	// Second pass: lift the budget and read everything back. All data ends
	// up resident with its written contents.
	rt.SetMaxMemorySize(0)
	for i := range data {
		d := data[i]
		v := byte(i + 1)
		if err := rt.Submit(&fnTask{name: "Check", fn: func() {
			if !d.isFilled(v) {
				t.Errorf("data %d lost its contents after swap round-trip", v-1)
			}
		}}, Deps{{d, Read}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := rt.Run(2); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	for i := range data {
		if data[i].hdr.IsSwapped() {
			t.Fatalf("data %d still swapped after unlimited-budget run", i)
		}
	}
}

func TestNonSwappableNeverWritten(t *testing.T) {
	inner, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	spy := newSpyBackend(inner)
	rt := newTestRuntime(t, Config{
		MaxMemorySize: 64,
		Backend:       spy,
	})

	pinned := newBlob(256, false)
	loose := newBlob(256, true)
	for i := 0; i < 4; i++ {
		if err := rt.Submit(&fnTask{}, Deps{{pinned, Write}}); err != nil {
			t.Fatal(err)
		}
		if err := rt.Submit(&fnTask{}, Deps{{loose, Write}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := rt.Run(2); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := spy.writeCount(pinned); got != 0 {
		t.Fatalf("non-swappable data written %d times", got)
	}
	if pinned.hdr.IsSwapped() {
		t.Fatal("non-swappable data marked swapped")
	}
}

func TestFlushThenRead(t *testing.T) {
	rt := newTestRuntime(t, Config{MaxMemorySize: 32})
	d := newBlob(128, true)

	if err := rt.Submit(&fnTask{name: "Fill", fn: func() { d.fill(0x5a) }},
		Deps{{d, Write}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.FlushToDisk(d); err != nil {
		t.Fatal(err)
	}
	if err := rt.Submit(&fnTask{name: "Check", fn: func() {
		if d.hdr.IsSwapped() {
			t.Error("reader observed swapped data")
		}
		if !d.isFilled(0x5a) {
			t.Error("reader observed stale data")
		}
	}}, Deps{{d, Read}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(2); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSwapPrefetchIdentity(t *testing.T) {
	// A swap-out followed by a prefetch restores the data bit for bit.
	rt := newTestRuntime(t, Config{MaxMemorySize: 16})
	d := newBlob(512, true)

	if err := rt.Submit(&fnTask{name: "Fill", fn: func() {
		for i := range d.buf {
			d.buf[i] = byte(i)
		}
	}}, Deps{{d, Write}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The budget forces d out after the fill.

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	if err := rt.Submit(&fnTask{name: "Check", fn: func() {
		if !bytes.Equal(d.buf, want) {
			t.Error("contents changed across swap/prefetch")
		}
	}}, Deps{{d, Read}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(1); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

func TestBlobPackUnpackRoundTrip(t *testing.T) {
	d := newBlob(64, true)
	for i := range d.buf {
		d.buf[i] = byte(3 * i)
	}
	buf := d.Pack()
	if int64(len(buf)) != d.PackedSize() {
		t.Fatalf("Pack produced %d bytes; PackedSize says %d", len(buf), d.PackedSize())
	}
	orig := append([]byte(nil), d.buf...)
	d.Deallocate()
	d.Unpack(buf)
	if d.Size() != 64 {
		t.Fatalf("Size = %d after round trip", d.Size())
	}
	if !bytes.Equal(d.buf, orig) {
		t.Fatal("round trip changed the contents")
	}
}

func TestBoltBackendRoundTrip(t *testing.T) {
	b, err := NewBoltBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltBackend: %v", err)
	}
	defer b.Close()

	d := newBlob(128, true)
	d.fill(0x7c)
	if err := b.Write(d); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d.Deallocate()
	if err := b.Read(d); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !d.isFilled(0x7c) {
		t.Fatal("contents lost across bolt round trip")
	}
	if err := b.Delete(d); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Read(d); err == nil {
		t.Fatal("Read succeeded after Delete")
	}
}

func TestBoltBackendAsSpill(t *testing.T) {
	backend, err := NewBoltBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, Config{MaxMemorySize: 64, Backend: backend})
	d := newBlob(256, true)
	if err := rt.Submit(&fnTask{name: "Fill", fn: func() { d.fill(9) }},
		Deps{{d, Write}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rt.SetMaxMemorySize(0)
	if err := rt.Submit(&fnTask{name: "Check", fn: func() {
		if !d.isFilled(9) {
			t.Error("contents lost across bolt spill")
		}
	}}, Deps{{d, Read}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(1); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}
