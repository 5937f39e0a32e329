// Package dedup detects exact and near-duplicate documents across corpora
// and decides which copy of each duplicate group survives the merge.
package dedup

import (
	"fmt"
	"sort"

	"github.com/timmy/bookharvest/internal/domain"
)

// Options configures the duplicate passes and the merge.
type Options struct {
	Threshold   float64
	NumPerm     int
	ShingleSize int
	MinWords    int
	// Prefer orders sources from most to least preferred; unlisted sources sort last.
	Prefer []string
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{
		Threshold:   0.8,
		NumPerm:     128,
		ShingleSize: 5,
		MinWords:    50,
		Prefer:      []string{"gutenberg", "ia"},
	}
}

// Validate rejects settings that would silently disable a pass.
func (o Options) Validate() error {
	if o.Threshold <= 0 || o.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %.2f", o.Threshold)
	}
	if o.NumPerm <= 0 {
		return fmt.Errorf("num-perm must be positive, got %d", o.NumPerm)
	}
	if o.ShingleSize <= 0 {
		return fmt.Errorf("shingle size must be positive, got %d", o.ShingleSize)
	}
	if o.MinWords <= 0 {
		return fmt.Errorf("min words must be positive, got %d", o.MinWords)
	}
	return nil
}

// Plan is the outcome of a deduplication run.
type Plan struct {
	Exact []domain.DuplicateGroup
	Near  []domain.DuplicateGroup
	// Excluded maps the path of every dropped document to the path of the
	// document kept in its place.
	Excluded  map[string]string
	Survivors []*domain.Document
}

// Engine runs the exact and near passes and applies the merge policy.
type Engine struct {
	opts Options
	rank map[string]int
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	rank := make(map[string]int, len(opts.Prefer))
	for i, src := range opts.Prefer {
		if _, ok := rank[src]; !ok {
			rank[src] = i
		}
	}
	return &Engine{opts: opts, rank: rank}
}

// Run finds duplicate groups among docs and computes the merged set.
func (e *Engine) Run(docs []*domain.Document) *Plan {
	exact := FindExact(docs)
	near := FindNear(docs, e.opts.NumPerm, e.opts.Threshold)
	excluded := e.Merge(exact, near)

	survivors := make([]*domain.Document, 0, len(docs))
	for _, d := range sortedByPath(docs) {
		if _, dropped := excluded[d.Path]; !dropped {
			survivors = append(survivors, d)
		}
	}
	return &Plan{Exact: exact, Near: near, Excluded: excluded, Survivors: survivors}
}

// FindExact groups documents by content hash. Groups and their members are
// ordered by path.
func FindExact(docs []*domain.Document) []domain.DuplicateGroup {
	byHash := make(map[string][]*domain.Document)
	for _, d := range sortedByPath(docs) {
		if d.ExactHash == "" {
			continue
		}
		byHash[d.ExactHash] = append(byHash[d.ExactHash], d)
	}

	var groups []domain.DuplicateGroup
	for _, members := range byHash {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, domain.DuplicateGroup{
			Method:     domain.MethodExact,
			Similarity: 1.0,
			Members:    members,
		})
	}
	sortGroups(groups)
	return groups
}

// FindNear groups comparable documents linked by an estimated Jaccard
// similarity of at least threshold. Grouping is single-linkage: a document
// joins a group when it is similar to any member, so A~B and B~C put all
// three together even if A and C are not similar. Members are ordered by
// path and Similarity is the weakest link that joined the group.
// Neighborhoods made only of byte-identical documents are left to the
// exact pass.
func FindNear(docs []*domain.Document, numPerm int, threshold float64) []domain.DuplicateGroup {
	ordered := make([]*domain.Document, 0, len(docs))
	for _, d := range sortedByPath(docs) {
		if d.Comparable() && len(d.Signature) == numPerm {
			ordered = append(ordered, d)
		}
	}

	index := NewLSHIndex(numPerm, threshold)
	for i, d := range ordered {
		index.Insert(uint32(i), d.Signature)
	}

	seen := make([]bool, len(ordered))
	var groups []domain.DuplicateGroup
	for i := range ordered {
		if seen[i] {
			continue
		}
		seen[i] = true
		members := []*domain.Document{ordered[i]}
		weakest := 1.0
		queue := []uint32{uint32(i)}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, j := range index.Candidates(cur) {
				if seen[j] {
					continue
				}
				sim := EstimateJaccard(ordered[cur].Signature, ordered[j].Signature)
				if sim < threshold {
					continue
				}
				seen[j] = true
				members = append(members, ordered[j])
				queue = append(queue, j)
				if sim < weakest {
					weakest = sim
				}
			}
		}
		if len(members) < 2 || allSameHash(members) {
			continue
		}
		groups = append(groups, domain.DuplicateGroup{
			Method:     domain.MethodNear,
			Similarity: weakest,
			Members:    sortedByPath(members),
		})
	}
	return groups
}

// Merge resolves exact groups first, then near groups. In a near group the
// survivor is chosen among members the exact pass did not drop, so a
// document is never dropped in favor of one that is itself dropped. The
// returned exclusions are the union of both passes.
func (e *Engine) Merge(exact, near []domain.DuplicateGroup) map[string]string {
	excluded := make(map[string]string)

	for _, g := range exact {
		ranked := e.rankMembers(g.Members)
		for _, d := range ranked[1:] {
			excluded[d.Path] = ranked[0].Path
		}
	}
	exactExcluded := make(map[string]struct{}, len(excluded))
	for p := range excluded {
		exactExcluded[p] = struct{}{}
	}

	for _, g := range near {
		var eligible []*domain.Document
		for _, d := range g.Members {
			if _, dropped := exactExcluded[d.Path]; !dropped {
				eligible = append(eligible, d)
			}
		}
		if len(eligible) < 2 {
			continue
		}
		ranked := e.rankMembers(eligible)
		for _, d := range ranked[1:] {
			if _, dropped := excluded[d.Path]; !dropped {
				excluded[d.Path] = ranked[0].Path
			}
		}
	}
	return excluded
}

// Survivor returns the member of g that the merge keeps when g is considered alone.
func (e *Engine) Survivor(g domain.DuplicateGroup) *domain.Document {
	if len(g.Members) == 0 {
		return nil
	}
	return e.rankMembers(g.Members)[0]
}

// rankMembers orders by source preference, then document ID, then path.
func (e *Engine) rankMembers(members []*domain.Document) []*domain.Document {
	ranked := make([]*domain.Document, len(members))
	copy(ranked, members)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := e.sourceRank(ranked[i].Source), e.sourceRank(ranked[j].Source)
		if ri != rj {
			return ri < rj
		}
		if ranked[i].ID != ranked[j].ID {
			return ranked[i].ID < ranked[j].ID
		}
		return ranked[i].Path < ranked[j].Path
	})
	return ranked
}

func (e *Engine) sourceRank(source string) int {
	if r, ok := e.rank[source]; ok {
		return r
	}
	return len(e.opts.Prefer)
}

func allSameHash(members []*domain.Document) bool {
	for _, d := range members[1:] {
		if d.ExactHash != members[0].ExactHash {
			return false
		}
	}
	return true
}

func sortedByPath(docs []*domain.Document) []*domain.Document {
	out := make([]*domain.Document, len(docs))
	copy(out, docs)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func sortGroups(groups []domain.DuplicateGroup) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Members[0].Path < groups[j].Members[0].Path
	})
}
