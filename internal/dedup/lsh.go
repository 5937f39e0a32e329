package dedup

import (
	"encoding/binary"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash"
)

// LSHIndex buckets signatures by bands so that pairs above a Jaccard
// threshold collide in at least one band with high probability. Each
// bucket is a bitmap of document ids.
type LSHIndex struct {
	bands   int
	rows    int
	buckets []map[uint64]*roaring.Bitmap
	sigs    map[uint32][]uint64
}

// NewLSHIndex creates an index for signatures of length numPerm tuned for threshold.
func NewLSHIndex(numPerm int, threshold float64) *LSHIndex {
	bands, rows := chooseBands(numPerm, threshold)
	buckets := make([]map[uint64]*roaring.Bitmap, bands)
	for i := range buckets {
		buckets[i] = make(map[uint64]*roaring.Bitmap)
	}
	return &LSHIndex{bands: bands, rows: rows, buckets: buckets, sigs: make(map[uint32][]uint64)}
}

// chooseBands picks bands*rows == numPerm whose collision threshold
// (1/b)^(1/r) is the largest one not above threshold, so that true matches
// are rarely missed. Candidates are verified afterwards.
func chooseBands(numPerm int, threshold float64) (int, int) {
	bestB, bestR := numPerm, 1
	best := -1.0
	for b := 1; b <= numPerm; b++ {
		if numPerm%b != 0 {
			continue
		}
		r := numPerm / b
		est := math.Pow(1/float64(b), 1/float64(r))
		if est <= threshold && est > best {
			best, bestB, bestR = est, b, r
		}
	}
	return bestB, bestR
}

// Insert adds the signature of document id. Signatures shorter than
// bands*rows are ignored.
func (x *LSHIndex) Insert(id uint32, sig []uint64) {
	if len(sig) < x.bands*x.rows {
		return
	}
	x.sigs[id] = sig
	for band := 0; band < x.bands; band++ {
		key := x.bandKey(sig, band)
		bm, ok := x.buckets[band][key]
		if !ok {
			bm = roaring.New()
			x.buckets[band][key] = bm
		}
		bm.Add(id)
	}
}

// Candidates returns the ids sharing at least one band with id, in
// ascending order, without id itself.
func (x *LSHIndex) Candidates(id uint32) []uint32 {
	sig, ok := x.sigs[id]
	if !ok {
		return nil
	}
	union := roaring.New()
	for band := 0; band < x.bands; band++ {
		if bm, ok := x.buckets[band][x.bandKey(sig, band)]; ok {
			union.Or(bm)
		}
	}
	union.Remove(id)
	return union.ToArray()
}

func (x *LSHIndex) bandKey(sig []uint64, band int) uint64 {
	buf := make([]byte, 8*x.rows)
	for i, v := range sig[band*x.rows : (band+1)*x.rows] {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return xxhash.Sum64(buf)
}
