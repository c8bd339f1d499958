// Tiled GEMM demo: c = alpha*a*b + beta*c scheduled as a task graph, checked
// against the sequential product.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/toyrt/runtime/core/logging"
	"github.com/toyrt/runtime/core/memwatch"
	"github.com/toyrt/runtime/core/otelinit"
	"github.com/toyrt/runtime/recorder"
	"github.com/toyrt/runtime/toyrt"
)

// Matrix is a dense row-major matrix.
type Matrix struct {
	rows, cols int
	a          []float64
}

func newMatrix(rows, cols int) *Matrix {
	return &Matrix{rows: rows, cols: cols, a: make([]float64, rows*cols)}
}

func randomMatrix(rng *rand.Rand, rows, cols int) *Matrix {
	m := newMatrix(rows, cols)
	for i := range m.a {
		m.a[i] = rng.Float64()
	}
	return m
}

func (m *Matrix) at(i, j int) float64     { return m.a[i*m.cols+j] }
func (m *Matrix) set(i, j int, v float64) { m.a[i*m.cols+j] = v }
func (m *Matrix) add(i, j int, v float64) { m.a[i*m.cols+j] += v }

func (m *Matrix) scale(alpha float64) {
	for i := range m.a {
		m.a[i] *= alpha
	}
}

// gemm computes m = alpha*a*b + beta*m.
func (m *Matrix) gemm(alpha float64, a, b *Matrix, beta float64) {
	m.scale(beta)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			s := 0.0
			for k := 0; k < a.cols; k++ {
				s += a.at(i, k) * b.at(k, j)
			}
			m.add(i, j, alpha*s)
		}
	}
}

func (m *Matrix) maxAbsDiff(o *Matrix) float64 {
	max := 0.0
	for i := range m.a {
		if d := math.Abs(m.a[i] - o.a[i]); d > max {
			max = d
		}
	}
	return max
}

// TileData wraps a matrix tile behind the runtime's data contract.
type TileData struct {
	hdr  toyrt.Header
	tile *Matrix
	// Kept through Deallocate so Unpack can sanity-check the shape.
	rows, cols int
}

func newTileData(tile *Matrix, swappable bool) *TileData {
	d := &TileData{tile: tile, rows: tile.rows, cols: tile.cols}
	d.hdr.Swappable = swappable
	return d
}

func (d *TileData) Header() *toyrt.Header { return &d.hdr }

func (d *TileData) PackedSize() int64 {
	return int64(16 + 8*d.rows*d.cols)
}

func (d *TileData) Pack() []byte {
	buf := make([]byte, d.PackedSize())
	binary.LittleEndian.PutUint64(buf[0:], uint64(d.rows))
	binary.LittleEndian.PutUint64(buf[8:], uint64(d.cols))
	for i, v := range d.tile.a {
		binary.LittleEndian.PutUint64(buf[16+8*i:], math.Float64bits(v))
	}
	return buf
}

func (d *TileData) Unpack(buf []byte) {
	rows := int(binary.LittleEndian.Uint64(buf[0:]))
	cols := int(binary.LittleEndian.Uint64(buf[8:]))
	if rows != d.rows || cols != d.cols {
		panic(fmt.Sprintf("tile shape changed: %dx%d -> %dx%d", d.rows, d.cols, rows, cols))
	}
	d.tile = newMatrix(rows, cols)
	for i := range d.tile.a {
		d.tile.a[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[16+8*i:]))
	}
}

func (d *TileData) Deallocate() { d.tile = nil }

func (d *TileData) Size() uint64 { return uint64(d.PackedSize()) }

// ScaleTask computes c *= beta.
type ScaleTask struct {
	c    *TileData
	beta float64
}

func (t *ScaleTask) TaskName() string { return "Scale" }
func (t *ScaleTask) Call()            { t.c.tile.scale(t.beta) }

// GemmTask computes c += alpha*a*b.
type GemmTask struct {
	c, a, b *TileData
	alpha   float64
}

func (t *GemmTask) TaskName() string { return "Gemm" }

func (t *GemmTask) Call() {
	t.c.tile.gemm(t.alpha, t.a.tile, t.b.tile, 1)
}

func (t *GemmTask) ExtraData() string {
	return fmt.Sprintf(`{"m": %d, "n": %d}`, t.c.rows, t.c.cols)
}

// tiles cuts m into an nb x nb grid of tile data handles.
func tiles(m *Matrix, nb int, swappable bool) [][]*TileData {
	ts := make([][]*TileData, nb)
	step := m.rows / nb
	for i := range ts {
		ts[i] = make([]*TileData, nb)
		for j := range ts[i] {
			t := newMatrix(step, step)
			for ti := 0; ti < step; ti++ {
				for tj := 0; tj < step; tj++ {
					t.set(ti, tj, m.at(i*step+ti, j*step+tj))
				}
			}
			ts[i][j] = newTileData(t, swappable)
		}
	}
	return ts
}

func assemble(ts [][]*TileData, n int) *Matrix {
	m := newMatrix(n, n)
	step := n / len(ts)
	for i := range ts {
		for j := range ts[i] {
			for ti := 0; ti < step; ti++ {
				for tj := 0; tj < step; tj++ {
					m.set(i*step+ti, j*step+tj, ts[i][j].tile.at(ti, tj))
				}
			}
		}
	}
	return m
}

func main() {
	var (
		n         = flag.Int("n", 64, "matrix dimension")
		nb        = flag.Int("tiles", 8, "tiles per dimension")
		workers   = flag.Int("workers", 4, "worker goroutines")
		maxMemory = flag.Uint64("max-memory", 0, "resident-data budget in bytes, 0 = unlimited")
		outDir    = flag.String("out", ".", "directory for the run dumps")
	)
	flag.Parse()

	logger := logging.Setup("toyrt-gemm")
	ctx := context.Background()
	tel := otelinit.Setup(ctx, "toyrt-gemm")
	defer func() { _ = tel.Shutdown(ctx) }()

	memRec := recorder.New()
	watcher, err := memwatch.Start(memRec, "* * * * * *")
	if err != nil {
		slog.Error("memwatch start failed", "error", err)
		os.Exit(1)
	}

	const alpha, beta = 2.0, 0.5
	rng := rand.New(rand.NewSource(42))
	a := randomMatrix(rng, *n, *n)
	b := randomMatrix(rng, *n, *n)
	c := randomMatrix(rng, *n, *n)

	// Sequential reference.
	ref := newMatrix(*n, *n)
	copy(ref.a, c.a)
	ref.gemm(alpha, a, b, beta)

	at := tiles(a, *nb, true)
	bt := tiles(b, *nb, true)
	ct := tiles(c, *nb, true)

	rt, err := toyrt.New(toyrt.Config{
		MaxMemorySize: *maxMemory,
		OutputDir:     *outDir,
		Meter:         tel.Meter,
		Tracer:        tel.Tracer,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("runtime init failed", "error", err)
		os.Exit(1)
	}

	for i := 0; i < *nb; i++ {
		for j := 0; j < *nb; j++ {
			if err := rt.Submit(&ScaleTask{c: ct[i][j], beta: beta},
				toyrt.Deps{{Data: ct[i][j], Mode: toyrt.Write}}); err != nil {
				slog.Error("submit failed", "error", err)
				os.Exit(1)
			}
			for k := 0; k < *nb; k++ {
				err := rt.Submit(&GemmTask{c: ct[i][j], a: at[i][k], b: bt[k][j], alpha: alpha},
					toyrt.Deps{
						{Data: ct[i][j], Mode: toyrt.Write},
						{Data: at[i][k], Mode: toyrt.Read},
						{Data: bt[k][j], Mode: toyrt.Read},
					})
				if err != nil {
					slog.Error("submit failed", "error", err)
					os.Exit(1)
				}
			}
		}
	}

	rt.SetProgressCallback(func(left, total int) {
		slog.Info("progress", "tasks_left", left, "total", total)
	}, 10)

	start := time.Now()
	if err := rt.Run(*workers); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("run finished", "elapsed", time.Since(start))

	watcher.Stop()
	if err := memRec.ToFile(*outDir + "/mem.txt"); err != nil {
		slog.Warn("memory dump failed", "error", err)
	}
	if err := rt.DumpTimeline(*outDir + "/timeline.json"); err != nil {
		slog.Warn("timeline dump failed", "error", err)
	}

	got := assemble(ct, *n)
	diff := got.maxAbsDiff(ref)
	slog.Info("verification", "max_abs_diff", diff)
	if diff > 1e-12 {
		slog.Error("tiled result diverges from reference", "max_abs_diff", diff)
		os.Exit(1)
	}
	if err := rt.Close(); err != nil {
		slog.Warn("close failed", "error", err)
	}
}
