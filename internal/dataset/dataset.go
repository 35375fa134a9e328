// Package dataset defines the token-batch iterator contract the sampling
// runner consumes. Tokenization happens upstream; the core only ever sees
// finite, restartable sequences of token-id batches.
package dataset

import "math/rand"

// Iterator yields token-id batches. Implementations must be finite and
// restartable via Reset; the runner consumes an iterator at most once per
// call and never assumes a second pass is free.
type Iterator interface {
	// Next returns the next batch of token-id sequences, or ok=false
	// when the dataset is exhausted.
	Next() (batch [][]int, ok bool)

	// Reset rewinds the iterator to the first batch.
	Reset()
}

// InMemory is an Iterator over a fixed slice of batches.
type InMemory struct {
	batches [][][]int
	pos     int
}

// NewInMemory wraps pre-built batches. The slice is not copied; callers
// must not mutate it while iterating.
func NewInMemory(batches [][][]int) *InMemory {
	return &InMemory{batches: batches}
}

// Next implements Iterator.
func (d *InMemory) Next() ([][]int, bool) {
	if d.pos >= len(d.batches) {
		return nil, false
	}
	b := d.batches[d.pos]
	d.pos++
	return b, true
}

// Reset implements Iterator.
func (d *InMemory) Reset() { d.pos = 0 }

// Len returns the number of batches.
func (d *InMemory) Len() int { return len(d.batches) }

// SyntheticCorpus builds a deterministic in-memory dataset of numSeqs
// sequences of seqLen token ids drawn from [0, vocabSize), grouped into
// batches of batchSize sequences. Used by tests and the demo pipeline.
func SyntheticCorpus(seed int64, numSeqs, seqLen, vocabSize, batchSize int) *InMemory {
	if batchSize < 1 {
		batchSize = 1
	}
	if vocabSize < 1 {
		vocabSize = 1
	}

	rng := rand.New(rand.NewSource(seed))
	var batches [][][]int
	var current [][]int
	for s := 0; s < numSeqs; s++ {
		seq := make([]int, seqLen)
		for i := range seq {
			seq[i] = rng.Intn(vocabSize)
		}
		current = append(current, seq)
		if len(current) == batchSize {
			batches = append(batches, current)
			current = nil
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return NewInMemory(batches)
}
