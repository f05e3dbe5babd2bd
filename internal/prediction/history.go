package prediction

import (
	"time"

	"github.com/terminal-bench/txflow/internal/assessor"
)

// Sample pairs an assessed network condition with the load observed on the
// monitored resource (active connection count) at the same instant.
type Sample struct {
	At        time.Time
	Condition *assessor.Assessment
	Load      float64
}

// ring is a fixed-capacity, array-backed sample buffer. Pushing beyond
// capacity overwrites the oldest entry.
type ring struct {
	buf  []Sample
	head int // index of the oldest entry
	n    int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) len() int {
	return r.n
}

// at returns the i-th oldest sample. Caller guarantees 0 <= i < len().
func (r *ring) at(i int) Sample {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) last() Sample {
	return r.at(r.n - 1)
}

// loads copies the load series out in chronological order.
func (r *ring) loads() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.at(i).Load
	}
	return out
}
