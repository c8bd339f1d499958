package toyrt

import (
	"sync"
	"testing"

	"github.com/toyrt/runtime/wire"
)

// twoRanks runs body once per rank on its own goroutine, each with a
// runtime wired to a shared in-process hub, and waits for both.
func twoRanks(t *testing.T, body func(rank int, rt *Runtime)) {
	t.Helper()
	hub := wire.NewHub(2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		w, err := hub.Endpoint(rank)
		if err != nil {
			t.Fatal(err)
		}
		rt := newTestRuntime(t, Config{Wire: w})
		wg.Add(1)
		go func(rank int, rt *Runtime) {
			defer wg.Done()
			body(rank, rt)
		}(rank, rt)
	}
	wg.Wait()
}

func TestDistributedElectionRunsOnHomeRank(t *testing.T) {
	// A single write dependency pulls the task onto the data's home rank,
	// so no wire traffic happens at all.
	var executedOn [2]bool
	var data [2]*blobData

	twoRanks(t, func(rank int, rt *Runtime) {
		d := newBlob(32, false)
		d.Header().SetRank(0)
		d.Header().SetTag(7)
		data[rank] = d

		task := &fnTask{name: "Produce", fn: func() {
			executedOn[rank] = true
			d.fill(0xab)
		}}
		if err := rt.SubmitDistributed(task, Deps{{d, Write}}, -1); err != nil {
			t.Errorf("rank %d: SubmitDistributed: %v", rank, err)
			return
		}
		if err := rt.Run(2); err != nil {
			t.Errorf("rank %d: Run: %v", rank, err)
		}
		if rank == 1 {
			if rt.cache.isValidOnNode(d, 1) {
				t.Error("rank 1 kept a valid bit it never earned")
			}
		}
	})

	if !executedOn[0] || executedOn[1] {
		t.Fatalf("executed on ranks %v; want rank 0 only", executedOn)
	}
	if !data[0].isFilled(0xab) {
		t.Fatal("home rank does not hold the produced value")
	}
}

func TestDistributedRoundTrip(t *testing.T) {
	// The task is forced onto rank 1: rank 0 ships the data over, rank 1
	// transforms it, and the result travels back to the home rank.
	var data [2]*blobData
	var caches [2]*dataCache

	twoRanks(t, func(rank int, rt *Runtime) {
		d := newBlob(16, false)
		d.Header().SetRank(0)
		d.Header().SetTag(7)
		data[rank] = d
		caches[rank] = rt.cache
		if rank == 0 {
			for i := range d.buf {
				d.buf[i] = byte(i + 1)
			}
		}

		task := &fnTask{name: "Double", fn: func() {
			for i := range d.buf {
				d.buf[i] *= 2
			}
		}}
		if err := rt.SubmitDistributed(task, Deps{{d, Write}}, 1); err != nil {
			t.Errorf("rank %d: SubmitDistributed: %v", rank, err)
			return
		}
		if err := rt.Run(2); err != nil {
			t.Errorf("rank %d: Run: %v", rank, err)
		}
	})

	for i := range data[0].buf {
		if want := byte(2 * (i + 1)); data[0].buf[i] != want {
			t.Fatalf("home copy byte %d = %d; want %d", i, data[0].buf[i], want)
		}
	}
	// The executing rank keeps its copy valid (it just produced the data);
	// everyone else is down to the home bit.
	if !caches[0].isValidOnNode(data[0], 0) || !caches[0].isValidOnNode(data[0], 1) {
		t.Fatal("rank 0 cache lost track of the valid copies")
	}
}

func TestDistributedReadFansOut(t *testing.T) {
	// A read-only dependency on a remote rank triggers one transfer; the
	// replica cache suppresses the second one.
	var wireTraffic [2]int

	twoRanks(t, func(rank int, rt *Runtime) {
		d := newBlob(16, false)
		d.Header().SetRank(0)
		d.Header().SetTag(9)
		sink := newBlob(8, false)
		sink.Header().SetRank(1)
		sink.Header().SetTag(10)
		if rank == 0 {
			d.fill(3)
		}

		for pass := 0; pass < 2; pass++ {
			task := &fnTask{name: "Consume", fn: func() {
				if !d.isFilled(3) {
					t.Errorf("rank %d observed wrong remote contents", rank)
				}
			}}
			err := rt.SubmitDistributed(task, Deps{{sink, Write}, {d, Read}}, 1)
			if err != nil {
				t.Errorf("rank %d: SubmitDistributed: %v", rank, err)
				return
			}
		}
		if err := rt.Run(1); err != nil {
			t.Errorf("rank %d: Run: %v", rank, err)
		}
		if rank == 0 {
			wireTraffic[0] = rt.pool.sentRec.Len()
		} else {
			wireTraffic[1] = rt.pool.recvRec.Len()
		}
	})

	// One payload for d on each side; the second pass was served by the
	// replica cache.
	if wireTraffic[0] != 1 || wireTraffic[1] != 1 {
		t.Fatalf("wire transfers = %v; want one send and one recv", wireTraffic)
	}
}

func TestGetDataOnNode(t *testing.T) {
	var data [2]*blobData

	twoRanks(t, func(rank int, rt *Runtime) {
		d := newBlob(24, false)
		d.Header().SetRank(0)
		d.Header().SetTag(11)
		data[rank] = d
		if rank == 0 {
			d.fill(0x42)
		}
		if err := rt.GetDataOnNode(d, 1); err != nil {
			t.Errorf("rank %d: GetDataOnNode: %v", rank, err)
			return
		}
		if err := rt.Run(1); err != nil {
			t.Errorf("rank %d: Run: %v", rank, err)
		}
	})

	if !data[1].isFilled(0x42) {
		t.Fatal("rank 1 did not receive the copy")
	}
}

func TestDistributedRejectsMissingTag(t *testing.T) {
	hub := wire.NewHub(2)
	w, err := hub.Endpoint(0)
	if err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, Config{Wire: w})
	d := newBlob(8, false)
	d.Header().SetRank(0)
	if err := rt.SubmitDistributed(&fnTask{}, Deps{{d, Write}}, -1); err == nil {
		t.Fatal("untagged data accepted for distributed submission")
	}
}

func TestReplicaCacheInvalidateInjectsDeallocate(t *testing.T) {
	hub := wire.NewHub(2)
	w, err := hub.Endpoint(1)
	if err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, Config{Wire: w})
	d := newBlob(8, false)
	d.Header().SetRank(0)
	d.Header().SetTag(5)

	rt.cache.sendData(d, 0, 1)
	if !rt.cache.isValid(d) {
		t.Fatal("copy not valid on rank 1 after sendData")
	}
	if err := rt.cache.invalidateData(d, -1); err != nil {
		t.Fatal(err)
	}
	if rt.cache.isValid(d) {
		t.Fatal("copy still valid after invalidation")
	}
	if !rt.cache.isValidOnNode(d, 0) {
		t.Fatal("home bit cleared by invalidation")
	}
	if len(rt.tasks) != 1 || rt.tasks[0].name != "Deallocate" {
		t.Fatalf("expected an injected deallocate task, got %d tasks", len(rt.tasks))
	}
	if rt.tasks[0].priority != High {
		t.Fatal("deallocate task not high priority")
	}
	if err := rt.Run(1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.buf != nil {
		t.Fatal("local copy not deallocated")
	}
}

func TestSingleRankDistributedDegradesToLocal(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	log := newExecLog()
	d := newBlob(8, false)
	if err := rt.SubmitDistributed(log.task("solo", nil), Deps{{d, Write}}, -1); err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := log.names(); len(got) != 1 || got[0] != "solo" {
		t.Fatalf("execution order = %v", got)
	}
}
