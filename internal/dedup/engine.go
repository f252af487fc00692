package dedup

import (
	"sort"

	"siftworks.dev/sift/internal/db"
)

// Match methods, strongest first. Seed marks the canonical member of a
// persisted group.
const (
	MethodURLExact     = "url_exact"
	MethodURLSimilar   = "url_similar"
	MethodTitleSimilar = "title_similar"
	MethodSeed         = "seed"
)

// Confidence bands for reviewer display.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// Above this many results the pairwise stages run inside per-domain
// buckets instead of across the whole unit.
const pairwiseLimit = 1000

// Thresholds are the tunable similarity floors, owned by configuration.
type Thresholds struct {
	URLSimilarity   float64
	TitleSimilarity float64
	MinConfidence   float64
}

// Pair is one detected duplicate relation between two results,
// identified by their ordinals in the input slice, a < b always.
type Pair struct {
	A          int
	B          int
	Method     string
	Confidence float64
}

// ConfidenceBand buckets a similarity score for display.
func ConfidenceBand(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return BandHigh
	case confidence >= 0.7:
		return BandMedium
	default:
		return BandLow
	}
}

// FindDuplicates detects duplicate pairs among a unit's processed
// results. Exact URL matches are found via a hash pass; similar-URL and
// same-domain title comparisons run pairwise, bucketed by domain for
// large units. When several methods match the same pair the
// highest-confidence one is kept. Pairs below cfg.MinConfidence are
// discarded. Output is sorted by (A, B) and independent of input order
// beyond the caller's ordinal assignment.
func FindDuplicates(results []db.ProcessedResult, cfg Thresholds) []Pair {
	if len(results) < 2 {
		return nil
	}

	best := make(map[[2]int]Pair)

	record := func(a, b int, method string, confidence float64) {
		if confidence < cfg.MinConfidence {
			return
		}
		if b < a {
			a, b = b, a
		}
		key := [2]int{a, b}
		current, ok := best[key]
		if ok && current.Confidence >= confidence {
			return
		}
		best[key] = Pair{A: a, B: b, Method: method, Confidence: confidence}
	}

	byURL := make(map[string][]int, len(results))
	for i, r := range results {
		if r.NormalizedURL == "" {
			continue
		}
		byURL[r.NormalizedURL] = append(byURL[r.NormalizedURL], i)
	}
	for _, indices := range byURL {
		for i := 0; i < len(indices); i++ {
			for j := i + 1; j < len(indices); j++ {
				record(indices[i], indices[j], MethodURLExact, 1.0)
			}
		}
	}

	for _, bucket := range pairwiseBuckets(results) {
		comparePairwise(results, bucket, cfg, record)
	}

	pairs := make([]Pair, 0, len(best))
	for _, p := range best {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// pairwiseBuckets decides the comparison scope: everything at once for
// ordinary batch sizes, per-domain buckets beyond pairwiseLimit.
func pairwiseBuckets(results []db.ProcessedResult) [][]int {
	if len(results) <= pairwiseLimit {
		all := make([]int, len(results))
		for i := range results {
			all[i] = i
		}
		return [][]int{all}
	}

	byDomain := make(map[string][]int)
	for i, r := range results {
		byDomain[r.SourceDomain] = append(byDomain[r.SourceDomain], i)
	}

	domains := make([]string, 0, len(byDomain))
	for domain := range byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	buckets := make([][]int, 0, len(domains))
	for _, domain := range domains {
		if len(byDomain[domain]) < 2 {
			continue
		}
		buckets = append(buckets, byDomain[domain])
	}
	return buckets
}

func comparePairwise(results []db.ProcessedResult, indices []int, cfg Thresholds, record func(a, b int, method string, confidence float64)) {
	for x := 0; x < len(indices); x++ {
		for y := x + 1; y < len(indices); y++ {
			a, b := indices[x], indices[y]
			ra, rb := results[a], results[b]

			if ra.NormalizedURL != "" && rb.NormalizedURL != "" && ra.NormalizedURL != rb.NormalizedURL {
				if sim := URLSimilarity(ra.NormalizedURL, rb.NormalizedURL); sim >= cfg.URLSimilarity {
					record(a, b, MethodURLSimilar, sim)
				}
			}

			// Title similarity is only trusted within one domain;
			// cross-domain near-duplicate titles (syndication) stay
			// separate by policy.
			if ra.SourceDomain != "" && ra.SourceDomain == rb.SourceDomain {
				if sim := TitleSimilarity(ra.Title, rb.Title); sim >= cfg.TitleSimilarity {
					record(a, b, MethodTitleSimilar, sim)
				}
			}
		}
	}
}

// BuildGroups merges duplicate pairs into connected components. Ordinals
// in the returned groups index the caller's result slice; every group has
// at least two members.
func BuildGroups(resultCount int, pairs []Pair) [][]int {
	if resultCount < 2 || len(pairs) == 0 {
		return nil
	}
	uf := newUnionFind(resultCount)
	for _, p := range pairs {
		uf.union(p.A, p.B)
	}
	return uf.components()
}

// PairMethods returns, per ordinal, the best match that linked it into
// its group, for persisting member match metadata.
func PairMethods(pairs []Pair) map[int]Pair {
	bestFor := make(map[int]Pair)
	consider := func(ordinal int, p Pair) {
		current, ok := bestFor[ordinal]
		if !ok || p.Confidence > current.Confidence {
			bestFor[ordinal] = p
		}
	}
	for _, p := range pairs {
		consider(p.A, p)
		consider(p.B, p)
	}
	return bestFor
}
