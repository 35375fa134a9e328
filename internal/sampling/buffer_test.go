package sampling

import (
	"math/rand"
	"testing"
)

func newTestBuffer(capacity int, policy CapacityPolicy) *SampleBuffer {
	return NewSampleBuffer(0, capacity, policy, rand.New(rand.NewSource(42)))
}

func offerN(b *SampleBuffer, n, dim int) {
	for i := 0; i < n; i++ {
		v := make([]float64, dim)
		for d := range v {
			v[d] = float64(i)
		}
		b.Offer(Sample{TokenID: i, Position: i % 7, Sequence: i, Vector: v})
	}
}

func TestSampleBufferDropPolicy(t *testing.T) {
	b := newTestBuffer(3, PolicyDrop)
	offerN(b, 5, 2)

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	if b.Seen() != 5 {
		t.Errorf("Seen() = %d, want 5", b.Seen())
	}
	for i, s := range b.Samples() {
		if s.TokenID != i {
			t.Errorf("sample %d: TokenID = %d, want %d (drop keeps the first samples)", i, s.TokenID, i)
		}
	}
}

func TestSampleBufferReservoir(t *testing.T) {
	b := newTestBuffer(8, PolicyReservoir)
	offerN(b, 100, 2)

	if b.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", b.Len())
	}
	if b.Seen() != 100 {
		t.Errorf("Seen() = %d, want 100", b.Seen())
	}

	samples := b.Samples()
	seen := make(map[int]bool)
	lateSample := false
	for i, s := range samples {
		if s.Sequence < 0 || s.Sequence >= 100 {
			t.Errorf("sample %d: Sequence %d outside offered range", i, s.Sequence)
		}
		if seen[s.Sequence] {
			t.Errorf("sample %d: Sequence %d retained twice", i, s.Sequence)
		}
		seen[s.Sequence] = true
		if s.Sequence >= 8 {
			lateSample = true
		}
		if i > 0 && before(s, samples[i-1]) {
			t.Errorf("samples out of capture order at %d", i)
		}
	}
	if !lateSample {
		t.Error("reservoir retained only the first offers, no replacement happened")
	}
}

func TestSampleBufferUnbounded(t *testing.T) {
	b := newTestBuffer(0, PolicyReservoir)
	offerN(b, 50, 2)
	if b.Len() != 50 {
		t.Errorf("Len() = %d, want 50", b.Len())
	}
}

func TestSampleBufferEvictOldest(t *testing.T) {
	b := newTestBuffer(0, PolicyReservoir)
	offerN(b, 5, 2)
	sizeBefore := b.ByteSize()

	if !b.EvictOldest() {
		t.Fatal("EvictOldest() = false on non-empty buffer")
	}
	if b.Len() != 4 {
		t.Fatalf("Len() = %d after eviction, want 4", b.Len())
	}
	for _, s := range b.Samples() {
		if s.Sequence == 0 {
			t.Error("oldest sample still present after EvictOldest")
		}
	}
	if b.ByteSize() >= sizeBefore {
		t.Errorf("ByteSize() = %d, want less than %d", b.ByteSize(), sizeBefore)
	}

	empty := newTestBuffer(0, PolicyReservoir)
	if empty.EvictOldest() {
		t.Error("EvictOldest() = true on empty buffer")
	}
}

func TestSampleBufferByteSize(t *testing.T) {
	b := newTestBuffer(0, PolicyReservoir)
	offerN(b, 3, 4)

	want := 3 * sampleBytes(4)
	if b.ByteSize() != want {
		t.Errorf("ByteSize() = %d, want %d", b.ByteSize(), want)
	}
}

func TestSampleBufferCopiesVector(t *testing.T) {
	b := newTestBuffer(0, PolicyReservoir)
	v := []float64{1, 2, 3}
	b.Offer(Sample{Vector: v})

	v[0] = 99
	got := b.Samples()[0].Vector
	if got[0] != 1 {
		t.Errorf("stored vector mutated through caller's slice: got %v", got)
	}
}

func TestSampleBufferVectors(t *testing.T) {
	b := newTestBuffer(0, PolicyReservoir)
	offerN(b, 4, 3)

	vecs := b.Vectors()
	if len(vecs) != 4 {
		t.Fatalf("Vectors() returned %d rows, want 4", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 3 {
			t.Errorf("row %d has dim %d, want 3", i, len(v))
		}
		if v[0] != float64(i) {
			t.Errorf("row %d out of capture order: got %v", i, v[0])
		}
	}
}

func TestCapacityPolicyValid(t *testing.T) {
	cases := []struct {
		policy CapacityPolicy
		want   bool
	}{
		{PolicyReservoir, true},
		{PolicyDrop, true},
		{CapacityPolicy(""), false},
		{CapacityPolicy("lru"), false},
	}
	for _, tc := range cases {
		if got := tc.policy.Valid(); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.policy, got, tc.want)
		}
	}
}
