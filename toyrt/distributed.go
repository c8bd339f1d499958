package toyrt

import "fmt"

// commCountForRank estimates the number of wire transfers needed if the
// task runs on candidate. A write to data valid there still costs the
// write-back to the home rank; a write to data not yet there costs the
// inbound copy plus the write-back.
func (r *Runtime) commCountForRank(deps Deps, candidate int) int {
	comms := 0
	for _, a := range deps {
		if a.Data.Header().Rank() == candidate {
			continue
		}
		if r.cache.isValidOnNode(a.Data, candidate) {
			if a.Mode == Write {
				comms++
			}
		} else {
			if a.Mode == Write {
				comms += 2
			} else {
				comms++
			}
		}
	}
	return comms
}

// electNode picks the executing rank: start from the home of the first
// write dependency (or the first dependency), then take the rank with the
// cheapest communication count.
func (r *Runtime) electNode(deps Deps) int {
	node := deps[0].Data.Header().Rank()
	for _, a := range deps {
		if a.Mode == Write {
			node = a.Data.Header().Rank()
			break
		}
	}
	minComms := r.commCountForRank(deps, node)
	for rank := 0; rank < r.WorldSize(); rank++ {
		if comms := r.commCountForRank(deps, rank); comms < minComms {
			minComms = comms
			node = rank
		}
	}
	return node
}

// SubmitDistributed registers a task on every rank of the cluster; the
// SPMD contract is that all ranks perform the same submission sequence.
// The runtime inserts the sends and receives moving the dependencies to
// the executing rank and the written results back to their home ranks.
// Pass executingNode -1 to let the runtime elect the cheapest rank.
func (r *Runtime) SubmitDistributed(task Task, deps Deps, executingNode int) error {
	return r.SubmitDistributedPriority(task, deps, executingNode, Normal)
}

// SubmitDistributedPriority is SubmitDistributed with an explicit priority.
func (r *Runtime) SubmitDistributedPriority(task Task, deps Deps, executingNode int, priority Priority) error {
	if r.WorldSize() == 1 {
		return r.SubmitPriority(task, deps, priority)
	}
	if len(deps) == 0 {
		return fmt.Errorf("toyrt: distributed submit %q: empty access list", taskName(task))
	}
	for _, a := range deps {
		if a.Data == nil {
			return fmt.Errorf("toyrt: distributed submit %q: nil data", taskName(task))
		}
		if a.Data.Header().Tag() == 0 {
			return fmt.Errorf("toyrt: distributed submit %q: data without a tag", taskName(task))
		}
	}

	me := r.Rank()
	node := executingNode
	if node == -1 {
		node = r.electNode(deps)
	}
	if node < 0 || node >= r.WorldSize() {
		return fmt.Errorf("toyrt: distributed submit %q: executing node %d out of range", taskName(task), node)
	}

	// Before posting the receives of the foreign dependencies, make sure
	// every local dependency is produced: a sync task depending on the
	// local ones writes a marker data that each receive then reads.
	var marker *syncData
	if node == me {
		var localDeps Deps
		for _, a := range deps {
			if a.Data.Header().Rank() == me {
				localDeps = append(localDeps, a)
			}
		}
		if len(localDeps) != 0 && len(localDeps) != len(deps) {
			st := newSyncTask()
			marker = st.d
			localDeps = append(localDeps, Access{marker, Write})
			if err := r.insertServiceNode(st, localDeps, Normal, true, true, false); err != nil {
				return err
			}
		}
	}

	// Move the dependencies to the executing rank: the owner sends, the
	// executing rank receives, every rank records the transfer.
	for _, a := range deps {
		d := a.Data
		home := d.Header().Rank()
		switch {
		case home == me && node != me:
			if !r.cache.isValidOnNode(d, node) {
				t := &sendTask{rt: r, d: d, to: node}
				if err := r.insertServiceNode(t, Deps{{d, Read}}, priority, true, false, false); err != nil {
					return err
				}
			}
		case home != me && node == me:
			if !r.cache.isValid(d) {
				recvDeps := Deps{{d, Write}}
				if marker != nil {
					recvDeps = append(recvDeps, Access{marker, Read})
				}
				t := &recvTask{rt: r, d: d, from: home}
				if err := r.insertServiceNode(t, recvDeps, priority, true, false, false); err != nil {
					return err
				}
			}
		}
		r.cache.sendData(d, home, node)
	}

	if node == me {
		if err := r.SubmitPriority(task, deps, priority); err != nil {
			return err
		}
	}

	// After the task, written data goes back to its home rank and every
	// stale replica is invalidated.
	for _, a := range deps {
		if a.Mode != Write {
			continue
		}
		d := a.Data
		home := d.Header().Rank()
		switch {
		case home == me && node != me:
			t := &recvTask{rt: r, d: d, from: node}
			if err := r.insertServiceNode(t, Deps{{d, Write}}, priority, true, false, false); err != nil {
				return err
			}
		case home != me && node == me:
			t := &sendTask{rt: r, d: d, to: home}
			if err := r.insertServiceNode(t, Deps{{d, Read}}, priority, true, false, false); err != nil {
				return err
			}
		}
		r.cache.sendData(d, node, home)
		if err := r.cache.invalidateData(d, node); err != nil {
			return err
		}
	}

	// With the replica cache off, foreign copies are dropped right away.
	if !r.cache.enabled {
		for _, a := range deps {
			if err := r.cache.invalidateData(a.Data, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetDataOnNode inserts the send/receive pair bringing a valid copy of d to
// node. No-op in single-rank mode or when the copy is already local.
func (r *Runtime) GetDataOnNode(d Data, node int) error {
	if r.WorldSize() == 1 {
		return nil
	}
	if d.Header().Tag() == 0 {
		return fmt.Errorf("toyrt: get data on node: data without a tag")
	}
	home := d.Header().Rank()
	me := r.Rank()
	if node == me {
		if home != me {
			t := &recvTask{rt: r, d: d, from: home}
			return r.insertServiceNode(t, Deps{{d, Write}}, Normal, true, false, false)
		}
	} else if home == me {
		t := &sendTask{rt: r, d: d, to: node}
		return r.insertServiceNode(t, Deps{{d, Read}}, Normal, true, false, false)
	}
	return nil
}
