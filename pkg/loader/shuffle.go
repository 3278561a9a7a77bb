package loader

import "math/rand"

// shuffleBuffer is a fixed-capacity buffer with random eviction. Once full,
// every pushed example displaces a uniformly chosen resident one.
type shuffleBuffer struct {
	buf []Example
	cap int
	rng *rand.Rand
}

func newShuffleBuffer(capacity int, rng *rand.Rand) *shuffleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &shuffleBuffer{buf: make([]Example, 0, capacity), cap: capacity, rng: rng}
}

// Push adds ex and, when the buffer was already full, returns the evicted example.
func (s *shuffleBuffer) Push(ex Example) (Example, bool) {
	if len(s.buf) < s.cap {
		s.buf = append(s.buf, ex)
		return Example{}, false
	}
	j := s.rng.Intn(len(s.buf))
	out := s.buf[j]
	s.buf[j] = ex
	return out, true
}

// Drain empties the buffer in random order.
func (s *shuffleBuffer) Drain() []Example {
	out := make([]Example, 0, len(s.buf))
	for len(s.buf) > 0 {
		j := s.rng.Intn(len(s.buf))
		out = append(out, s.buf[j])
		last := len(s.buf) - 1
		s.buf[j] = s.buf[last]
		s.buf = s.buf[:last]
	}
	return out
}

// Len is the number of buffered examples.
func (s *shuffleBuffer) Len() int { return len(s.buf) }
