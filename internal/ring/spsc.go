// Package ring implements the wait-free single-producer/single-consumer
// float ring buffer that carries one app's captured audio from a platform
// capture callback into the engine's output callback.
//
// The ring is sized to roughly one second of audio so a momentarily slow
// consumer never stalls the OS capture thread: on overflow the producer
// discards the oldest unread samples instead of blocking. A slow or silent
// producer simply starves the consumer, which is handled by treating a
// short drain as silence (see PopSlice).
//
// Both ends run on OS-owned callback threads, so the ring is built on
// plain atomics with power-of-two index masking: no locks, no blocking,
// no allocation after construction.
package ring

import "sync/atomic"

// SPSCFloatRing is a fixed-capacity ring buffer of float32 samples with
// exactly one producer (a capture callback) and one consumer (the output
// callback). Capacity is rounded up to the next power of two so indices
// can be masked instead of taken modulo.
type SPSCFloatRing struct {
	buf  []float32
	mask uint64

	// head is the total count of samples ever pushed. Owned by the
	// producer; only the producer calls PushSlice.
	head atomic.Uint64

	// tail is the total count of samples consumed so far. Normally
	// advanced only by the consumer (PopSlice), but the producer may
	// force it forward on overflow to drop the oldest unread samples.
	// Both sides only ever move it forward, via compare-and-swap, so a
	// race between a consumer advance and a producer force-advance
	// never loses ground.
	tail atomic.Uint64

	// dropped counts samples discarded by producer-side overflow. The
	// count is approximate under a concurrent consumer advance, which
	// only ever makes it an overestimate of at most one block.
	dropped atomic.Uint64
}

// NewSPSCFloatRing returns a ring able to hold at least minCapacity
// samples, rounded up to a power of two.
func NewSPSCFloatRing(minCapacity int) *SPSCFloatRing {
	cap := nextPow2(minCapacity)
	return &SPSCFloatRing{
		buf:  make([]float32, cap),
		mask: uint64(cap - 1),
	}
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap returns the ring's capacity in samples.
func (r *SPSCFloatRing) Cap() int {
	return len(r.buf)
}

// Len returns the number of samples currently available to the consumer.
// Safe to call from either side; the value is a snapshot and may be stale
// by the time the caller acts on it.
func (r *SPSCFloatRing) Len() int {
	h := r.head.Load()
	t := r.tail.Load()
	if h < t {
		return 0
	}
	return int(h - t)
}

// PushSlice writes samples into the ring. Producer-only; never blocks,
// never allocates. If samples would overflow the ring's capacity, the
// oldest unread samples are discarded so the write always succeeds.
func (r *SPSCFloatRing) PushSlice(samples []float32) {
	h := r.head.Load()
	capN := uint64(len(r.buf))

	for _, v := range samples {
		r.buf[h&r.mask] = v
		h++
	}

	// If this write overtook the consumer's read position, force tail
	// forward so Len()/PopSlice never see a negative or bogus backlog.
	if t := r.tail.Load(); h-t > capN {
		r.dropped.Add(h - capN - t)
		casAdvance(&r.tail, h-capN)
	}

	r.head.Store(h)
}

// PopSlice drains up to len(dst) samples into dst, returning the number of
// samples actually written. Any remainder of dst (on underrun) is zeroed,
// so the caller may treat the whole slice as this block's audio — the
// defined behavior for a partially starved consumer is silence for the
// missing tail. Consumer-only; never blocks, never allocates.
func (r *SPSCFloatRing) PopSlice(dst []float32) int {
	h := r.head.Load()
	t := r.tail.Load()

	avail := int64(h - t)
	if avail < 0 {
		avail = 0
	}
	n := len(dst)
	if int64(n) > avail {
		n = int(avail)
	}

	for i := 0; i < n; i++ {
		dst[i] = r.buf[(t+uint64(i))&r.mask]
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	casAdvance(&r.tail, t+uint64(n))
	return n
}

// Dropped returns the cumulative count of samples discarded by overflow.
func (r *SPSCFloatRing) Dropped() uint64 {
	return r.dropped.Load()
}

// casAdvance monotonically advances target to newValue, retrying only on
// a losing race and never moving the counter backward.
func casAdvance(target *atomic.Uint64, newValue uint64) {
	for {
		cur := target.Load()
		if newValue <= cur {
			return
		}
		if target.CompareAndSwap(cur, newValue) {
			return
		}
	}
}
