// Package memwatch samples process memory usage on a fixed schedule into a
// recorder, so memory profiles line up with the runtime's data-size logs.
package memwatch

import (
	"fmt"
	"runtime"

	"github.com/robfig/cron/v3"

	"github.com/toyrt/runtime/recorder"
)

// Watcher periodically records heap usage.
type Watcher struct {
	c   *cron.Cron
	rec *recorder.Recorder
}

// Start begins sampling runtime.MemStats.HeapAlloc into rec. every is a
// cron expression with seconds precision; "* * * * * *" samples once per
// second.
func Start(rec *recorder.Recorder, every string) (*Watcher, error) {
	c := cron.New(cron.WithSeconds())
	w := &Watcher{c: c, rec: rec}
	if _, err := c.AddFunc(every, w.sample); err != nil {
		return nil, fmt.Errorf("memwatch: bad schedule %q: %w", every, err)
	}
	c.Start()
	return w, nil
}

func (w *Watcher) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	w.rec.Record(int64(ms.HeapAlloc))
}

// Stop halts sampling. Pending samples finish before Stop returns.
func (w *Watcher) Stop() {
	ctx := w.c.Stop()
	<-ctx.Done()
}
