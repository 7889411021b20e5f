package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// arithmeticSeq is start, start+stride, ... modulo vocab, skipping PadID.
func arithmeticSeq(rng *rand.Rand, vocab, n int) []int32 {
	start := 1 + rng.Intn(vocab-1)
	stride := 1 + rng.Intn(3)
	seq := make([]int32, n)
	for i := range seq {
		seq[i] = int32(1 + (start-1+i*stride)%(vocab-1))
	}
	return seq
}

// WriteSyntheticSFT writes n deterministic toy sequences to path: arithmetic
// progressions of random start and stride, which a small model can learn.
func WriteSyntheticSFT(path string, n, vocab, seqLen int, seed int64) error {
	if vocab < 3 || seqLen < 2 {
		return errors.Errorf("synthetic data needs vocab >= 3 and seq_len >= 2, got %d and %d", vocab, seqLen)
	}
	rng := rand.New(rand.NewSource(seed))
	records := make([]Example, n)
	for i := range records {
		records[i] = Example{Tokens: arithmeticSeq(rng, vocab, 2+rng.Intn(seqLen-1))}
	}
	return writeJSONL(path, records)
}

// WriteSyntheticPreference writes n toy preference pairs to path: the chosen
// response continues the prompt's progression, the rejected one is random.
func WriteSyntheticPreference(path string, n, vocab, seqLen int, seed int64) error {
	if vocab < 3 || seqLen < 4 {
		return errors.Errorf("synthetic data needs vocab >= 3 and seq_len >= 4, got %d and %d", vocab, seqLen)
	}
	rng := rand.New(rand.NewSource(seed))
	records := make([]PreferencePair, n)
	for i := range records {
		chosen := arithmeticSeq(rng, vocab, seqLen)
		prompt := seqLen / 2
		rejected := append([]int32(nil), chosen[:prompt]...)
		for len(rejected) < seqLen {
			rejected = append(rejected, int32(1+rng.Intn(vocab-1)))
		}
		records[i] = PreferencePair{Chosen: chosen, Rejected: rejected, PromptLen: prompt}
	}
	return writeJSONL(path, records)
}
