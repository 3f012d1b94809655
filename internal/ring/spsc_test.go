package ring

import (
	"math/rand"
	"testing"
)

func TestNewSPSCFloatRingRoundsCapacityUp(t *testing.T) {
	r := NewSPSCFloatRing(100)
	if r.Cap() != 128 {
		t.Errorf("got cap %d, want 128", r.Cap())
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	r := NewSPSCFloatRing(16)
	in := []float32{1, 2, 3, 4}
	r.PushSlice(in)

	out := make([]float32, 4)
	n := r.PopSlice(out)
	if n != 4 {
		t.Fatalf("got n=%d, want 4", n)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %f, want %f", i, out[i], in[i])
		}
	}
}

func TestPopSliceUnderrunZeroFillsRemainder(t *testing.T) {
	r := NewSPSCFloatRing(16)
	r.PushSlice([]float32{9, 9})

	out := make([]float32, 5)
	n := r.PopSlice(out)
	if n != 2 {
		t.Fatalf("got n=%d, want 2", n)
	}
	want := []float32{9, 9, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, out[i], want[i])
		}
	}
}

// TestOverflowDropsOldestOnly verifies property #7's overflow half: when a
// producer pushes more samples than the ring can hold without the consumer
// draining, the surviving samples are the most recent ones, in order.
func TestOverflowDropsOldestOnly(t *testing.T) {
	r := NewSPSCFloatRing(8) // rounds to 8
	all := make([]float32, 20)
	for i := range all {
		all[i] = float32(i)
	}
	r.PushSlice(all)

	out := make([]float32, 8)
	n := r.PopSlice(out)
	if n != 8 {
		t.Fatalf("got n=%d, want 8", n)
	}
	for i := 0; i < 8; i++ {
		want := float32(12 + i) // last 8 of 0..19 are 12..19
		if out[i] != want {
			t.Errorf("sample %d: got %f, want %f", i, out[i], want)
		}
	}
}

// TestInterleavedPushPopOrdering exercises randomized interleaved push/pop
// schedules within capacity (no overflow) and checks the consumer always
// sees a strictly increasing, gap-free sequence — property #7's ordering
// half.
func TestInterleavedPushPopOrdering(t *testing.T) {
	r := NewSPSCFloatRing(64)
	rng := rand.New(rand.NewSource(1))

	var produced, consumed int
	next := float32(0)
	var nextExpected float32

	for step := 0; step < 2000; step++ {
		if produced-consumed < 40 && rng.Intn(2) == 0 {
			n := 1 + rng.Intn(5)
			batch := make([]float32, n)
			for i := range batch {
				batch[i] = next
				next++
			}
			r.PushSlice(batch)
			produced += n
		} else if produced > consumed {
			n := 1 + rng.Intn(5)
			out := make([]float32, n)
			got := r.PopSlice(out)
			for i := 0; i < got; i++ {
				if out[i] != nextExpected {
					t.Fatalf("order violation: got %f, want %f", out[i], nextExpected)
				}
				nextExpected++
			}
			consumed += got
		}
	}
}

func TestLenReflectsBacklog(t *testing.T) {
	r := NewSPSCFloatRing(16)
	if r.Len() != 0 {
		t.Errorf("fresh ring: got len %d, want 0", r.Len())
	}
	r.PushSlice([]float32{1, 2, 3})
	if r.Len() != 3 {
		t.Errorf("got len %d, want 3", r.Len())
	}
	out := make([]float32, 2)
	r.PopSlice(out)
	if r.Len() != 1 {
		t.Errorf("got len %d, want 1", r.Len())
	}
}
