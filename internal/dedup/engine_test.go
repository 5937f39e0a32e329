package dedup

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/timmy/bookharvest/internal/domain"
)

// wordsText returns n pseudo-random words drawn from a fixed vocabulary.
func wordsText(seed uint64, n int) []string {
	words := make([]string, n)
	state := seed
	for i := range words {
		state = state*6364136223846793005 + 1442695040888963407
		words[i] = fmt.Sprintf("w%d", (state>>33)%5000)
	}
	return words
}

func newDoc(s *Sketcher, path, source string, words []string) *domain.Document {
	text := strings.Join(words, " ")
	sum := md5.Sum([]byte(text))
	wc, sig := s.Sketch(text)
	id := path[strings.LastIndex(path, "/")+1:]
	id = strings.TrimSuffix(id, ".txt")
	return &domain.Document{
		ID:        id,
		Path:      path,
		Source:    source,
		Size:      int64(len(text)),
		WordCount: wc,
		ExactHash: hex.EncodeToString(sum[:]),
		Signature: sig,
	}
}

func withEdits(words []string, positions ...int) []string {
	out := make([]string, len(words))
	copy(out, words)
	for _, p := range positions {
		out[p] = "edited"
	}
	return out
}

func TestShortDocumentsAreNotComparable(t *testing.T) {
	s := NewSketcher(128, 5, 50)
	short := newDoc(s, "ia/short.txt", "ia", wordsText(1, 49))
	long := newDoc(s, "ia/long.txt", "ia", wordsText(1, 50))

	if short.Comparable() {
		t.Error("49-word document should not get a signature")
	}
	if !long.Comparable() || len(long.Signature) != 128 {
		t.Errorf("50-word document should get a 128-value signature, got %d", len(long.Signature))
	}
	if short.WordCount != 49 {
		t.Errorf("word count = %d, want 49", short.WordCount)
	}
}

func TestSketchIgnoresCaseAndWhitespace(t *testing.T) {
	s := NewSketcher(64, 5, 10)
	words := wordsText(7, 100)
	_, a := s.Sketch(strings.Join(words, " "))
	_, b := s.Sketch(strings.ToUpper(strings.Join(words, "  \n\t ")))
	if EstimateJaccard(a, b) != 1.0 {
		t.Errorf("signatures differ after case and whitespace changes")
	}
}

func TestExactGroupsAreTransitive(t *testing.T) {
	docs := []*domain.Document{
		{ID: "a", Path: "x/a.txt", Source: "ia", ExactHash: "h1"},
		{ID: "b", Path: "x/b.txt", Source: "ia", ExactHash: "h1"},
		{ID: "c", Path: "y/c.txt", Source: "gutenberg", ExactHash: "h1"},
		{ID: "d", Path: "y/d.txt", Source: "gutenberg", ExactHash: "h2"},
	}

	groups := FindExact(docs)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if len(groups[0].Members) != 3 || groups[0].Similarity != 1.0 || groups[0].Method != domain.MethodExact {
		t.Errorf("unexpected group: %+v", groups[0])
	}
}

func TestMergePrefersSourceRegardlessOfOrder(t *testing.T) {
	ia := &domain.Document{ID: "book", Path: "ia/book.txt", Source: "ia", ExactHash: "h1"}
	gb := &domain.Document{ID: "pg100", Path: "gb/pg100.txt", Source: "gutenberg", ExactHash: "h1"}
	engine := NewEngine(Options{Threshold: 0.8, NumPerm: 128, Prefer: []string{"gutenberg", "ia"}})

	for _, docs := range [][]*domain.Document{{ia, gb}, {gb, ia}} {
		plan := engine.Run(docs)
		if len(plan.Survivors) != 1 || plan.Survivors[0] != gb {
			t.Fatalf("survivors = %v, want only the gutenberg copy", paths(plan.Survivors))
		}
		if plan.Excluded[ia.Path] != gb.Path {
			t.Errorf("ia copy should be excluded in favor of %s, got %q", gb.Path, plan.Excluded[ia.Path])
		}
	}
}

func TestMergeTiebreakIsDeterministic(t *testing.T) {
	engine := NewEngine(Options{Prefer: []string{"gutenberg"}})
	a := &domain.Document{ID: "b-id", Path: "one/z.txt", Source: "hathi"}
	b := &domain.Document{ID: "a-id", Path: "two/y.txt", Source: "other"}
	g1 := domain.DuplicateGroup{Method: domain.MethodExact, Members: []*domain.Document{a, b}}
	g2 := domain.DuplicateGroup{Method: domain.MethodExact, Members: []*domain.Document{b, a}}

	if engine.Survivor(g1) != b || engine.Survivor(g2) != b {
		t.Error("unlisted sources should tie-break on document ID")
	}
}

func TestNearDuplicatesAreSymmetric(t *testing.T) {
	s := NewSketcher(128, 5, 50)
	base := wordsText(42, 400)
	a := newDoc(s, "ia/a.txt", "ia", base)
	b := newDoc(s, "gutenberg/b.txt", "gutenberg", withEdits(base, 50, 150, 250, 350))
	unrelated := newDoc(s, "ia/z.txt", "ia", wordsText(99, 400))

	if EstimateJaccard(a.Signature, b.Signature) != EstimateJaccard(b.Signature, a.Signature) {
		t.Fatal("similarity estimate is not symmetric")
	}

	for _, docs := range [][]*domain.Document{{a, b, unrelated}, {unrelated, b, a}} {
		groups := FindNear(docs, 128, 0.8)
		if len(groups) != 1 {
			t.Fatalf("got %d near groups, want 1", len(groups))
		}
		g := groups[0]
		if len(g.Members) != 2 || g.Method != domain.MethodNear {
			t.Fatalf("unexpected group: %+v", g)
		}
		got := map[string]bool{g.Members[0].Path: true, g.Members[1].Path: true}
		if !got[a.Path] || !got[b.Path] {
			t.Errorf("group members = %v", paths(g.Members))
		}
		if g.Similarity < 0.8 || g.Similarity >= 1.0 {
			t.Errorf("similarity = %.3f, want in [0.8, 1)", g.Similarity)
		}
	}
}

func TestNearSkipsIdenticalNeighborhoods(t *testing.T) {
	s := NewSketcher(128, 5, 50)
	words := wordsText(5, 200)
	a := newDoc(s, "ia/a.txt", "ia", words)
	b := newDoc(s, "gutenberg/a.txt", "gutenberg", words)

	if groups := FindNear([]*domain.Document{a, b}, 128, 0.8); len(groups) != 0 {
		t.Errorf("identical documents reported as near duplicates: %+v", groups)
	}
	if groups := FindExact([]*domain.Document{a, b}); len(groups) != 1 {
		t.Errorf("identical documents not reported as exact duplicates")
	}
}

func TestMergeNeverDropsInFavorOfDroppedDocument(t *testing.T) {
	// e1/e2 are byte-identical; n is a near copy of e1 only.
	e1 := &domain.Document{ID: "e1", Path: "ia/e1.txt", Source: "ia", ExactHash: "h"}
	e2 := &domain.Document{ID: "e2", Path: "gb/e2.txt", Source: "gutenberg", ExactHash: "h"}
	n := &domain.Document{ID: "n", Path: "ia/n.txt", Source: "ia", ExactHash: "k"}

	engine := NewEngine(Options{Prefer: []string{"gutenberg", "ia"}})
	exact := []domain.DuplicateGroup{{Method: domain.MethodExact, Similarity: 1, Members: []*domain.Document{e1, e2}}}
	near := []domain.DuplicateGroup{{Method: domain.MethodNear, Similarity: 0.9, Members: []*domain.Document{e1, n}}}

	excluded := engine.Merge(exact, near)
	if _, ok := excluded[e1.Path]; !ok {
		t.Error("e1 should be excluded by the exact pass")
	}
	if _, ok := excluded[n.Path]; ok {
		t.Error("n must not be excluded in favor of the already excluded e1")
	}
	if _, ok := excluded[e2.Path]; ok {
		t.Error("exact survivor e2 was excluded")
	}
}

func TestMergeUnionsNearExclusions(t *testing.T) {
	a := &domain.Document{ID: "a", Path: "gb/a.txt", Source: "gutenberg", ExactHash: "1"}
	b := &domain.Document{ID: "b", Path: "ia/b.txt", Source: "ia", ExactHash: "2"}
	c := &domain.Document{ID: "c", Path: "ia/c.txt", Source: "ia", ExactHash: "3"}

	engine := NewEngine(Options{Prefer: []string{"gutenberg", "ia"}})
	near := []domain.DuplicateGroup{{Method: domain.MethodNear, Members: []*domain.Document{c, b, a}}}
	excluded := engine.Merge(nil, near)
	if len(excluded) != 2 || excluded[b.Path] != a.Path || excluded[c.Path] != a.Path {
		t.Errorf("excluded = %v", excluded)
	}
}

func TestChooseBands(t *testing.T) {
	b, r := chooseBands(128, 0.8)
	if b != 16 || r != 8 {
		t.Errorf("chooseBands(128, 0.8) = (%d, %d), want (16, 8)", b, r)
	}
	if b, r := chooseBands(128, 0.001); b*r != 128 {
		t.Errorf("bands*rows = %d, want 128", b*r)
	}
}

func paths(docs []*domain.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Path)
	}
	return out
}

func TestOptionsValidate(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("default options rejected: %v", err)
	}
	testCases := []struct {
		name   string
		modify func(*Options)
	}{
		{name: "num perm", modify: func(o *Options) { o.NumPerm = 0 }},
		{name: "shingle size", modify: func(o *Options) { o.ShingleSize = -1 }},
		{name: "min words", modify: func(o *Options) { o.MinWords = 0 }},
		{name: "threshold", modify: func(o *Options) { o.Threshold = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.modify(&opts)
			if err := opts.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// chainSignature copies base and overwrites the positions in [from, to).
func chainSignature(base []uint64, from, to int, mark uint64) []uint64 {
	sig := make([]uint64, len(base))
	copy(sig, base)
	for i := from; i < to; i++ {
		sig[i] = mark + uint64(i)
	}
	return sig
}

func TestNearGroupsFollowSimilarityChains(t *testing.T) {
	base := make([]uint64, 100)
	for i := range base {
		base[i] = uint64(i)
	}
	// a~b and b~c at 0.85, a~c only at 0.70.
	bSig := chainSignature(base, 0, 15, 1000)
	cSig := chainSignature(bSig, 50, 65, 2000)
	a := &domain.Document{ID: "a", Path: "ia/a.txt", Source: "ia", ExactHash: "1", Signature: base}
	b := &domain.Document{ID: "b", Path: "ia/b.txt", Source: "ia", ExactHash: "2", Signature: bSig}
	c := &domain.Document{ID: "c", Path: "ia/c.txt", Source: "ia", ExactHash: "3", Signature: cSig}

	if got := EstimateJaccard(base, cSig); got >= 0.8 {
		t.Fatalf("a~c = %.2f, want below threshold", got)
	}

	groups := FindNear([]*domain.Document{c, a, b}, 100, 0.8)
	if len(groups) != 1 {
		t.Fatalf("got %d near groups, want 1", len(groups))
	}
	if got := paths(groups[0].Members); len(got) != 3 || got[0] != a.Path || got[1] != b.Path || got[2] != c.Path {
		t.Errorf("members = %v, want a, b, c", got)
	}
	if groups[0].Similarity != 0.85 {
		t.Errorf("similarity = %.2f, want the weakest link 0.85", groups[0].Similarity)
	}

	opts := DefaultOptions()
	opts.NumPerm = 100
	plan := NewEngine(opts).Run([]*domain.Document{a, b, c})
	if len(plan.Survivors) != 1 || plan.Survivors[0] != a {
		t.Errorf("survivors = %v, want only a", paths(plan.Survivors))
	}
}

func TestLSHCandidates(t *testing.T) {
	base := make([]uint64, 100)
	for i := range base {
		base[i] = uint64(i)
	}
	far := chainSignature(base, 0, 100, 5000)

	index := NewLSHIndex(100, 0.8)
	index.Insert(2, base)
	index.Insert(0, chainSignature(base, 0, 15, 1000))
	index.Insert(1, far)
	index.Insert(3, base[:10])

	if got := index.Candidates(2); len(got) != 1 || got[0] != 0 {
		t.Errorf("Candidates(2) = %v, want [0]", got)
	}
	if got := index.Candidates(1); len(got) != 0 {
		t.Errorf("Candidates(1) = %v, want none", got)
	}
	if got := index.Candidates(3); got != nil {
		t.Errorf("short signature was indexed: %v", got)
	}
}
