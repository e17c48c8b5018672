package threat

import "github.com/1sec-project/secengine/internal/core"

// ring holds the most recent events in arrival order, overwriting the oldest.
type ring struct {
	buf   []*core.SecurityEvent
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*core.SecurityEvent, capacity)}
}

func (r *ring) push(e *core.SecurityEvent) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.size }

// at returns the i-th event, 0 being the oldest.
func (r *ring) at(i int) *core.SecurityEvent {
	return r.buf[(r.start+i)%len(r.buf)]
}

// last returns up to n of the newest events, oldest first.
func (r *ring) last(n int) []*core.SecurityEvent {
	n = min(n, r.size)
	out := make([]*core.SecurityEvent, n)
	for i := 0; i < n; i++ {
		out[i] = r.at(r.size - n + i)
	}
	return out
}

// reverse walks from newest to oldest until fn returns false.
func (r *ring) reverse(fn func(*core.SecurityEvent) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.at(i)) {
			return
		}
	}
}
