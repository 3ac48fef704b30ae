// Package feedback implements the Feedback Loop capability (C3): it folds
// explicit (human-submitted) and implicit (derived from structural
// validity and latency) feedback into training exemplars, deduplicates
// them against already-captured high-quality exemplars, and batch-commits
// the survivors to an external dataset.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/virtuouscycle/gateway/pkg/observability"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// BatchSize is the item-count flush trigger.
const BatchSize = 50

// FlushInterval is the time-based flush trigger.
const FlushInterval = 60 * time.Second

// DedupSimilarityThreshold is the minimum cosine similarity against an
// already-committed exemplar's embedding for a new one to be dropped as a
// duplicate.
const DedupSimilarityThreshold = 0.98

// Exemplar is one candidate training example derived from a trace.
type Exemplar struct {
	TraceID   string
	Model     string
	Spectrum  string
	Input     string
	Output    string
	Score     float64
	Embedding []float64
}

// Batcher accumulates exemplars and commits them to a dataset via the
// observability client every FlushInterval or BatchSize items, whichever
// comes first.
type Batcher struct {
	client    *observability.Client
	datasetID string
	log       *slog.Logger

	mu        sync.Mutex
	pending   []Exemplar
	committed []Exemplar // embeddings of already-flushed exemplars, for dedup
}

// NewBatcher builds a Batcher that commits to an existing dataset.
func NewBatcher(client *observability.Client, datasetID string) *Batcher {
	return &Batcher{
		client:    client,
		datasetID: datasetID,
		log:       slog.With("component", "feedback_batcher"),
	}
}

// Submit adds an exemplar to the pending batch unless it duplicates an
// already-committed high-quality exemplar (cosine similarity >=
// DedupSimilarityThreshold). Returns true if accepted.
func (b *Batcher) Submit(ex Exemplar) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.committed {
		if statistics.CosineSimilarity(ex.Embedding, c.Embedding) >= DedupSimilarityThreshold {
			return false
		}
	}
	for _, p := range b.pending {
		if statistics.CosineSimilarity(ex.Embedding, p.Embedding) >= DedupSimilarityThreshold {
			return false
		}
	}

	b.pending = append(b.pending, ex)
	return true
}

// Pending reports how many exemplars are waiting to be flushed.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run drives the periodic flush loop until ctx is cancelled. It flushes
// immediately whenever the pending count reaches BatchSize, independent of
// the ticker.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	check := time.NewTicker(time.Second)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = b.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.log.Warn("periodic feedback flush failed", "error", err)
			}
		case <-check.C:
			if b.Pending() >= BatchSize {
				if err := b.Flush(ctx); err != nil {
					b.log.Warn("batch-size feedback flush failed", "error", err)
				}
			}
		}
	}
}

// Flush commits all pending exemplars to the dataset in one call. A no-op
// if nothing is pending.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	examples := make([]map[string]any, 0, len(batch))
	for _, ex := range batch {
		examples = append(examples, map[string]any{
			"trace_id": ex.TraceID,
			"model":    ex.Model,
			"spectrum": ex.Spectrum,
			"input":    ex.Input,
			"output":   ex.Output,
			"score":    ex.Score,
		})
	}

	added, err := b.client.AddExamples(ctx, b.datasetID, examples)
	if err != nil {
		// Put the batch back so a later flush retries it.
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.committed = append(b.committed, batch...)
	b.mu.Unlock()

	b.log.Info("flushed feedback batch", "submitted", len(batch), "added", added)
	return nil
}
