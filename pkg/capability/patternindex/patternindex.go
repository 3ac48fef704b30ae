// Package patternindex implements the Pattern Indexing capability (C3): it
// embeds successful traces into per-spectrum buckets and answers
// approximate-similarity queries with exact cosine search, per spec §9's
// redesign note ("favor exact cosine search over bounded per-spectrum
// buckets before reaching for ANN").
package patternindex

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtuouscycle/gateway/pkg/statistics"
)

const (
	// AdmissionScore is the minimum originating QualityRecord.score for a
	// trace to be admitted as a Pattern.
	AdmissionScore = 0.95

	// DefaultK is the default number of nearest patterns returned by a
	// query.
	DefaultK = 5

	// SimilarityThreshold is the minimum cosine similarity for a query
	// match.
	SimilarityThreshold = 0.85

	// PerSpectrumCapacity bounds each spectrum's bucket; beyond this,
	// the least-applied pattern is evicted.
	PerSpectrumCapacity = 1000
)

// Pattern is a successful interaction exemplar.
type Pattern struct {
	PatternID    string
	Embedding    []float64
	ExemplarRef  string
	Score        float64
	Spectrum     string
	SuccessCount int
	AppliedCount int
	CreatedAt    time.Time
}

// Match is one query result.
type Match struct {
	Pattern    Pattern
	Similarity float64
}

type bucket struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
}

func newBucket() *bucket {
	return &bucket{patterns: make(map[string]*Pattern, PerSpectrumCapacity)}
}

// Index is the per-spectrum pattern store. UseANN is a feature flag for a
// future approximate-nearest-neighbor backend; it defaults to false and is
// currently unexercised, per the redesign note favoring correctness first.
type Index struct {
	UseANN bool

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New builds an empty Index.
func New() *Index {
	return &Index{buckets: make(map[string]*bucket)}
}

func (ix *Index) bucketFor(spectrum string) *bucket {
	ix.mu.RLock()
	b, ok := ix.buckets[spectrum]
	ix.mu.RUnlock()
	if ok {
		return b
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if b, ok := ix.buckets[spectrum]; ok {
		return b
	}
	b = newBucket()
	ix.buckets[spectrum] = b
	return b
}

// Admit registers exemplarRef as a Pattern when score meets AdmissionScore.
// Returns ok=false (not an error) when the score is below threshold, per
// spec §3's Pattern invariant.
func (ix *Index) Admit(spectrum, exemplarRef string, score float64, embedding []float64) (Pattern, bool) {
	if score < AdmissionScore {
		return Pattern{}, false
	}

	p := &Pattern{
		PatternID:   uuid.NewString(),
		Embedding:   embedding,
		ExemplarRef: exemplarRef,
		Score:       score,
		Spectrum:    spectrum,
		CreatedAt:   time.Now(),
	}

	b := ix.bucketFor(spectrum)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.patterns) >= PerSpectrumCapacity {
		evictLeastApplied(b.patterns)
	}
	b.patterns[p.PatternID] = p

	return *p, true
}

// evictLeastApplied removes the pattern with the lowest applied_count,
// breaking ties by oldest CreatedAt, per spec's LRU-on-applied_count
// eviction policy.
func evictLeastApplied(patterns map[string]*Pattern) {
	var victim *Pattern
	for _, p := range patterns {
		if victim == nil ||
			p.AppliedCount < victim.AppliedCount ||
			(p.AppliedCount == victim.AppliedCount && p.CreatedAt.Before(victim.CreatedAt)) {
			victim = p
		}
	}
	if victim != nil {
		delete(patterns, victim.PatternID)
	}
}

// Query returns up to k patterns in spectrum whose embedding has cosine
// similarity >= SimilarityThreshold with embedding, most similar first. k
// <= 0 uses DefaultK.
func (ix *Index) Query(spectrum string, embedding []float64, k int) []Match {
	if k <= 0 {
		k = DefaultK
	}

	b := ix.bucketFor(spectrum)
	b.mu.RLock()
	candidates := make([]Match, 0, len(b.patterns))
	for _, p := range b.patterns {
		sim := statistics.CosineSimilarity(embedding, p.Embedding)
		if sim >= SimilarityThreshold {
			candidates = append(candidates, Match{Pattern: *p, Similarity: sim})
		}
	}
	b.mu.RUnlock()

	sortBySimilarityDesc(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// RecordApplied increments a pattern's applied_count after it has informed
// an optimization decision, keeping it out of the next LRU eviction round.
func (ix *Index) RecordApplied(spectrum, patternID string) {
	b := ix.bucketFor(spectrum)
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.patterns[patternID]; ok {
		p.AppliedCount++
	}
}

// Len reports how many patterns are indexed for spectrum.
func (ix *Index) Len(spectrum string) int {
	b := ix.bucketFor(spectrum)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.patterns)
}

func sortBySimilarityDesc(matches []Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Similarity > matches[j-1].Similarity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}
