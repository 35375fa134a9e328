package sampling

import (
	"math/rand"
	"sort"
)

// CapacityPolicy selects what happens when a full buffer is offered
// another sample.
type CapacityPolicy string

const (
	// PolicyReservoir keeps a uniform random subset of everything offered.
	PolicyReservoir CapacityPolicy = "reservoir"
	// PolicyDrop keeps the first samples and drops the rest.
	PolicyDrop CapacityPolicy = "drop"
)

// Valid reports whether p is a known policy.
func (p CapacityPolicy) Valid() bool {
	return p == PolicyReservoir || p == PolicyDrop
}

// Sample is one captured activation vector with enough metadata to map
// it back to its token and position in the run. Step is the batch
// ordinal and Sequence the global sequence ordinal, so (Sequence,
// Position) totally orders samples by capture time.
type Sample struct {
	TokenID  int       `json:"token_id"`
	Position int       `json:"position"`
	Step     int       `json:"step"`
	Sequence int       `json:"sequence"`
	Vector   []float64 `json:"vector"`
}

// SampleBuffer accumulates activation samples for one layer. Capacity is
// enforced by the configured policy; the global byte budget may evict
// additional samples through EvictOldest. Not safe for concurrent use.
type SampleBuffer struct {
	layer    int
	capacity int
	policy   CapacityPolicy
	samples  []Sample
	seen     int
	rng      *rand.Rand
}

// NewSampleBuffer creates a buffer for one layer. capacity <= 0 means
// unbounded. The rng drives reservoir replacement and must be seeded by
// the caller for reproducible runs.
func NewSampleBuffer(layer, capacity int, policy CapacityPolicy, rng *rand.Rand) *SampleBuffer {
	if !policy.Valid() {
		policy = PolicyReservoir
	}
	return &SampleBuffer{
		layer:    layer,
		capacity: capacity,
		policy:   policy,
		rng:      rng,
	}
}

// Layer returns the layer index this buffer samples.
func (b *SampleBuffer) Layer() int { return b.layer }

// Len returns the number of samples currently held.
func (b *SampleBuffer) Len() int { return len(b.samples) }

// Seen returns the total number of samples offered, kept or not.
func (b *SampleBuffer) Seen() int { return b.seen }

// Offer presents a sample to the buffer. It returns (kept, grew): kept
// reports whether the sample is now in the buffer, grew whether the
// buffer's memory footprint increased. The vector is copied.
func (b *SampleBuffer) Offer(s Sample) (kept, grew bool) {
	b.seen++
	if b.capacity <= 0 || len(b.samples) < b.capacity {
		v := make([]float64, len(s.Vector))
		copy(v, s.Vector)
		s.Vector = v
		b.samples = append(b.samples, s)
		return true, true
	}
	if b.policy == PolicyDrop {
		return false, false
	}
	// Reservoir step: the n-th offer survives with probability cap/n,
	// displacing a uniformly random resident.
	j := b.rng.Intn(b.seen)
	if j >= b.capacity {
		return false, false
	}
	copy(b.samples[j].Vector, s.Vector)
	b.samples[j].TokenID = s.TokenID
	b.samples[j].Position = s.Position
	b.samples[j].Step = s.Step
	b.samples[j].Sequence = s.Sequence
	return true, false
}

// EvictOldest removes the sample captured earliest and returns whether
// anything was removed. Used by the byte-budget enforcement.
func (b *SampleBuffer) EvictOldest() bool {
	if len(b.samples) == 0 {
		return false
	}
	oldest := 0
	for i := 1; i < len(b.samples); i++ {
		if before(b.samples[i], b.samples[oldest]) {
			oldest = i
		}
	}
	b.samples = append(b.samples[:oldest], b.samples[oldest+1:]...)
	return true
}

// Samples returns the retained samples ordered by capture time, oldest
// first. Reservoir replacement shuffles slots internally, so ordering is
// restored here before handing the buffer to downstream consumers.
func (b *SampleBuffer) Samples() []Sample {
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Vectors returns just the activation vectors in capture order. The
// slices alias the buffer's storage.
func (b *SampleBuffer) Vectors() [][]float64 {
	ordered := b.Samples()
	out := make([][]float64, len(ordered))
	for i, s := range ordered {
		out[i] = s.Vector
	}
	return out
}

// ByteSize estimates the memory held by retained sample vectors and
// their metadata.
func (b *SampleBuffer) ByteSize() int64 {
	var total int64
	for _, s := range b.samples {
		total += sampleBytes(len(s.Vector))
	}
	return total
}

// sampleBytes estimates the footprint of one sample: the float64
// payload plus metadata and slice header.
func sampleBytes(dim int) int64 {
	return int64(dim)*8 + 56
}

func before(a, b Sample) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.Position < b.Position
}
