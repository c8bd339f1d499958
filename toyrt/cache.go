package toyrt

import "fmt"

// dataCache tracks which ranks hold a valid in-memory copy of each data
// item. It is not the cache itself, only the bookkeeping; the home rank's
// bit is always set.
type dataCache struct {
	rt      *Runtime
	rank    int
	size    int
	valid   map[Data][]bool
	enabled bool
}

func newDataCache(rt *Runtime, rank, size int) *dataCache {
	return &dataCache{
		rt:      rt,
		rank:    rank,
		size:    size,
		valid:   make(map[Data][]bool),
		enabled: true,
	}
}

func (c *dataCache) find(d Data) []bool {
	if bits, ok := c.valid[d]; ok {
		return bits
	}
	home := d.Header().Rank()
	if home < 0 || home >= c.size {
		panic(fmt.Sprintf("toyrt: data home rank %d outside world of %d", home, c.size))
	}
	bits := make([]bool, c.size)
	bits[home] = true
	c.valid[d] = bits
	return bits
}

func (c *dataCache) erase(d Data) {
	delete(c.valid, d)
}

// sendData records that a copy of d travelled from one rank to another.
// Every rank applies the same record, so the views stay consistent.
func (c *dataCache) sendData(d Data, from, to int) {
	bits := c.find(d)
	if !bits[from] {
		panic(fmt.Sprintf("toyrt: send of data not valid on rank %d", from))
	}
	bits[to] = true
}

// invalidateData clears every validity bit except the home rank's (and
// exceptOnNode's, if not -1). If this rank is dropping a valid non-home
// copy, a high-priority deallocate task is injected behind the data's
// pending accesses.
func (c *dataCache) invalidateData(d Data, exceptOnNode int) error {
	bits := c.find(d)
	home := d.Header().Rank()
	if bits[c.rank] && c.rank != home && c.rank != exceptOnNode {
		err := c.rt.insertServiceNode(&deallocateTask{d: d}, Deps{{d, Write}},
			High, true, true, false)
		if err != nil {
			return err
		}
	}
	keep := false
	if exceptOnNode != -1 {
		keep = bits[exceptOnNode]
	}
	for i := range bits {
		bits[i] = false
	}
	bits[home] = true
	if exceptOnNode != -1 {
		bits[exceptOnNode] = keep
	}
	return nil
}

func (c *dataCache) invalidateAll() error {
	for d := range c.valid {
		if err := c.invalidateData(d, -1); err != nil {
			return err
		}
	}
	return nil
}

func (c *dataCache) isValid(d Data) bool {
	return c.isValidOnNode(d, c.rank)
}

func (c *dataCache) isValidOnNode(d Data, node int) bool {
	return c.find(d)[node]
}

// deallocateTask frees the local copy of a data item whose validity was
// revoked.
type deallocateTask struct {
	d Data
}

func (t *deallocateTask) TaskName() string { return "Deallocate" }

func (t *deallocateTask) Call() {
	t.d.Deallocate()
}

// syncData is the dummy marker data owned by a syncTask. It never moves
// over the wire or to disk.
type syncData struct {
	hdr Header
}

func (d *syncData) Header() *Header   { return &d.hdr }
func (d *syncData) Pack() []byte      { return nil }
func (d *syncData) PackedSize() int64 { return 0 }
func (d *syncData) Unpack([]byte)     {}
func (d *syncData) Deallocate()       {}
func (d *syncData) Size() uint64      { return 0 }

// syncTask is a no-op task used as a synchronization point: its WRITE
// output becomes a dependency of later receives, holding them back until
// the local producers are done.
type syncTask struct {
	d *syncData
}

func newSyncTask() *syncTask {
	return &syncTask{d: &syncData{}}
}

func (t *syncTask) TaskName() string { return "Sync" }
func (t *syncTask) Call()            {}
