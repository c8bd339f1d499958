package recorder

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

// Span is a single task execution on one worker.
type Span struct {
	Name string
	// Start and stop times in ns since the Unix epoch.
	Start, Stop int64
	// Optional JSON payload attached by the task, empty if none.
	ExtraData string
}

// Timeline collects the executions of one worker in order. It is only ever
// touched by its owning worker goroutine, so it is not synchronized.
type Timeline struct {
	spans []Span
}

// Add appends one execution.
func (t *Timeline) Add(name string, start, stop time.Time, extraData string) {
	t.spans = append(t.spans, Span{
		Name:      name,
		Start:     start.UnixNano(),
		Stop:      stop.UnixNano(),
		ExtraData: extraData,
	})
}

// MinTime returns the start of the first span, or 0 if the timeline is empty.
// Spans are assumed to have been added in order.
func (t *Timeline) MinTime() int64 {
	if len(t.spans) == 0 {
		return 0
	}
	return t.spans[0].Start
}

// Len returns the number of recorded spans.
func (t *Timeline) Len() int { return len(t.spans) }

// Spans returns the recorded spans. The returned slice is owned by the
// timeline and must not be mutated.
func (t *Timeline) Spans() []Span { return t.spans }

// Reset drops all spans.
func (t *Timeline) Reset() { t.spans = t.spans[:0] }

// WriteJSON writes the timeline as a JSON array of objects with "name",
// "start", "stop" and optional "extraData" keys. Times are offset by
// timeOffset nanoseconds.
func (t *Timeline) WriteJSON(w io.Writer, timeOffset int64) error {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return err
	}
	prefix := ""
	for _, s := range t.spans {
		_, err := fmt.Fprintf(w, "%s{\"name\": %s, \"start\": %d, \"stop\": %d",
			prefix, strconv.Quote(s.Name), s.Start-timeOffset, s.Stop-timeOffset)
		if err != nil {
			return err
		}
		if s.ExtraData != "" {
			if _, err := fmt.Fprintf(w, ", \"extraData\": %s", s.ExtraData); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "}"); err != nil {
			return err
		}
		prefix = ", "
	}
	_, err := io.WriteString(w, "]\n")
	return err
}
