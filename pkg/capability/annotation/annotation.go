// Package annotation implements the Annotation Queue capability (C3): it
// routes ambiguous-quality traces (mid-band scores, or traces that failed
// structural validation) to a human annotation queue, deduplicating and
// bounding admission so the queue stays reviewable.
package annotation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/virtuouscycle/gateway/pkg/apperrors"
	"github.com/virtuouscycle/gateway/pkg/observability"
)

// ScoreLowerBound and ScoreUpperBound bound the mid-band score range that
// routes a trace to human review instead of being trusted outright or
// discarded as a clear failure.
const (
	ScoreLowerBound = 0.70
	ScoreUpperBound = 0.88
)

// MaxPending caps how many items may sit unreviewed in a single queue.
const MaxPending = 500

// Candidate is a trace considered for human annotation.
type Candidate struct {
	Model           string
	Spectrum        string
	Input           string
	Score           float64
	StructurallyValid bool
}

// eligible reports whether c should be routed to annotation: either its
// score falls in the mid-band, or it failed structural validation
// outright (regardless of score).
func (c Candidate) eligible() bool {
	if !c.StructurallyValid {
		return true
	}
	return c.Score >= ScoreLowerBound && c.Score <= ScoreUpperBound
}

func dedupKey(c Candidate) string {
	h := sha256.Sum256([]byte(c.Input))
	return c.Model + "|" + c.Spectrum + "|" + hex.EncodeToString(h[:])
}

// Queue tracks one annotation queue's admitted-but-unreviewed items with a
// (model, spectrum, hash(input)) dedup key. Admission is first-come: once
// MaxPending items are pending, Submit rejects new candidates until Resolve
// frees a slot; a newer candidate never displaces an older pending item.
type Queue struct {
	client  *observability.Client
	queueID string

	mu      sync.Mutex
	pending map[string]struct{} // dedup keys currently enqueued
	count   int
}

// NewQueue wraps an existing backend annotation queue.
func NewQueue(client *observability.Client, queueID string) *Queue {
	return &Queue{
		client:  client,
		queueID: queueID,
		pending: make(map[string]struct{}),
	}
}

// Submit enqueues c for human annotation if it is eligible, not already
// pending, and the queue has not reached MaxPending. Returns ok=false
// (never an error) when c is filtered out by eligibility, dedup, or
// capacity.
func (q *Queue) Submit(ctx context.Context, c Candidate) (ok bool, err error) {
	if !c.eligible() {
		return false, nil
	}

	key := dedupKey(c)

	q.mu.Lock()
	if _, dup := q.pending[key]; dup {
		q.mu.Unlock()
		return false, nil
	}
	if q.count >= MaxPending {
		q.mu.Unlock()
		return false, nil
	}
	q.pending[key] = struct{}{}
	q.count++
	q.mu.Unlock()

	item := map[string]any{
		"model":    c.Model,
		"spectrum": c.Spectrum,
		"input":    c.Input,
		"score":    c.Score,
	}
	if err := q.client.Enqueue(ctx, q.queueID, item); err != nil {
		q.mu.Lock()
		delete(q.pending, key)
		q.count--
		q.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Resolve marks c as reviewed, freeing its dedup slot and capacity for a
// future resubmission of the same (model, spectrum, input).
func (q *Queue) Resolve(c Candidate) {
	key := dedupKey(c)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[key]; ok {
		delete(q.pending, key)
		q.count--
	}
}

// Pending reports the current queue depth.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Backlog refreshes the live pending count from the backend for queueID,
// independent of this process's local bookkeeping.
func Backlog(ctx context.Context, client *observability.Client, queueID string) (int, error) {
	queues, err := client.ListAnnotationQueues(ctx)
	if err != nil {
		return 0, err
	}
	for _, q := range queues {
		if q.QueueID == queueID {
			return q.Pending, nil
		}
	}
	return 0, apperrors.ErrNotFound
}
