package dedup

import (
	"strings"

	"github.com/cespare/xxhash"
)

// Sketcher builds fixed-size MinHash signatures over word shingles.
// A Sketcher is immutable and safe for concurrent use.
type Sketcher struct {
	numPerm     int
	shingleSize int
	minWords    int
	seeds       []uint64
}

// NewSketcher creates a Sketcher. The permutation seeds are derived from a
// fixed constant so signatures are comparable across runs and processes.
func NewSketcher(numPerm, shingleSize, minWords int) *Sketcher {
	if numPerm <= 0 {
		numPerm = 128
	}
	if shingleSize <= 0 {
		shingleSize = 5
	}
	if minWords < shingleSize {
		minWords = shingleSize
	}

	seeds := make([]uint64, numPerm)
	state := uint64(0x5eed0f5eed0f5eed)
	for i := range seeds {
		state += 0x9e3779b97f4a7c15
		seeds[i] = mix64(state)
	}
	return &Sketcher{numPerm: numPerm, shingleSize: shingleSize, minWords: minWords, seeds: seeds}
}

// NumPerm returns the signature length.
func (s *Sketcher) NumPerm() int { return s.numPerm }

// Sketch returns the word count of text and its signature. The signature is
// nil when the text has fewer than minWords words.
func (s *Sketcher) Sketch(text string) (int, []uint64) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < s.minWords {
		return len(words), nil
	}

	sig := make([]uint64, s.numPerm)
	for i := range sig {
		sig[i] = ^uint64(0)
	}

	var buf []byte
	for start := 0; start+s.shingleSize <= len(words); start++ {
		buf = buf[:0]
		for j, w := range words[start : start+s.shingleSize] {
			if j > 0 {
				buf = append(buf, ' ')
			}
			buf = append(buf, w...)
		}
		h := xxhash.Sum64(buf)
		for i, seed := range s.seeds {
			if v := mix64(h ^ seed); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return len(words), sig
}

// EstimateJaccard returns the fraction of positions where two signatures agree.
func EstimateJaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
