package domain

// Document is a downloaded file loaded for deduplication. It is built once
// by a corpus scan and never mutated afterwards.
type Document struct {
	ID        string `json:"id"` // Rel without extension
	Path      string `json:"path"`
	Rel       string `json:"rel"` // slash-separated, below the corpus root
	Source    string `json:"source"`
	Size      int64  `json:"size"`
	WordCount int    `json:"word_count"`
	ExactHash string `json:"exact_hash"`

	// Signature is nil when the document is too short to compare.
	Signature []uint64 `json:"-"`
}

// Comparable reports whether the document takes part in the near-duplicate pass.
func (d *Document) Comparable() bool {
	return len(d.Signature) > 0
}

// DedupMethod is the pass that produced a DuplicateGroup.
type DedupMethod string

const (
	MethodExact DedupMethod = "exact"
	MethodNear  DedupMethod = "near"
)

// DuplicateGroup is a set of at least two equivalent documents.
type DuplicateGroup struct {
	Method     DedupMethod `json:"method"`
	Similarity float64     `json:"similarity"`
	Members    []*Document `json:"members"`
}
