package circuit

import "time"

type bucket struct {
	epoch     int64
	successes int
	failures  int
}

// window counts outcomes in fixed-width buckets covering the last span.
// Not safe for concurrent use; Breaker holds its lock.
type window struct {
	width   time.Duration
	buckets []bucket
}

func newWindow(span time.Duration, n int) *window {
	width := span / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{width: width, buckets: make([]bucket, n)}
}

func (w *window) epoch(t time.Time) int64 {
	return t.UnixNano() / int64(w.width)
}

func (w *window) add(t time.Time, success bool) {
	e := w.epoch(t)
	b := &w.buckets[int(e%int64(len(w.buckets)))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

func (w *window) totals(t time.Time) (total, failures int) {
	current := w.epoch(t)
	oldest := current - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.epoch < oldest || b.epoch > current {
			continue
		}
		total += b.successes + b.failures
		failures += b.failures
	}
	return total, failures
}

func (w *window) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
