// Package observability implements the Enterprise Observability Client
// (C1): the gateway's single adapter for an external trace/feedback/dataset
// backend. Grounded on the teacher's pkg/runbook (retrying HTTP client
// idiom) and pkg/llm/client.go (env-driven constructor, channel-based
// streaming reused for bulk-export polling), with the transport wrapped in
// otelhttp per itsneelabh-gomind/telemetry's wiring.
package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/virtuouscycle/gateway/pkg/apperrors"
	"github.com/virtuouscycle/gateway/pkg/ratelimit"
)

const (
	shortOpTimeout = 15 * time.Second
	bulkOpTimeout  = 60 * time.Second

	retryBase = 500 * time.Millisecond
	retryCap  = 4 * time.Second
	maxRetries = 3

	localBudgetPerMinute = 1000
)

// Client is the gateway's only path to the external observability backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	orgID      string
	budget     *ratelimit.Limiter
	log        *slog.Logger
}

// New constructs a Client. apiKey and orgID are required — their absence is
// a ConfigurationFatal raised at startup (spec scenario: auth failure at
// boot prevents any port from being bound).
func New(baseURL, apiKey, orgID string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: observability API key is required", apperrors.ErrConfigurationFatal)
	}
	if orgID == "" {
		return nil, fmt.Errorf("%w: observability org ID is required", apperrors.ErrConfigurationFatal)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   bulkOpTimeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
		orgID:   orgID,
		budget:  ratelimit.NewLimiter(localBudgetPerMinute),
		log:     slog.With("component", "observability_client"),
	}, nil
}

// Run is one backend-tracked inference invocation, as returned by
// list_runs/get_run_stats.
type Run struct {
	TraceID       string            `json:"trace_id"`
	Session       string            `json:"session"`
	Model         string            `json:"model"`
	Spectrum      string            `json:"spectrum"`
	LatencyMS     int64             `json:"latency_ms"`
	TotalTokens   int               `json:"total_tokens"`
	InputTokens   int               `json:"input_tokens"`
	OutputTokens  int               `json:"output_tokens"`
	Error         string            `json:"error,omitempty"`
	FeedbackScore *float64          `json:"feedback_score,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Tags          []string          `json:"tags,omitempty"`
}

// AggregateStats is the response shape of get_run_stats.
type AggregateStats struct {
	GroupBy string             `json:"group_by"`
	Buckets map[string]float64 `json:"buckets"`
	Count   int                `json:"count"`
}

// ListRuns paginates backend runs, ordered by created_at descending unless
// since is set (then ascending), per spec §4.1.
func (c *Client) ListRuns(ctx context.Context, session string, since, until *time.Time, filterExpr string, limit int, cursor string) (runs []Run, nextCursor string, err error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{}
	if session != "" {
		q.Set("session", session)
	}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if until != nil {
		q.Set("until", until.UTC().Format(time.RFC3339))
	}
	if filterExpr != "" {
		q.Set("filter", filterExpr)
	}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page struct {
		Runs       []Run  `json:"runs"`
		NextCursor string `json:"next_cursor"`
	}
	if err := c.call(ctx, "list_runs", shortOpTimeout, http.MethodGet, "/runs?"+q.Encode(), nil, &page); err != nil {
		return nil, "", err
	}
	return page.Runs, page.NextCursor, nil
}

// GroupBy enumerates get_run_stats grouping dimensions.
type GroupBy string

const (
	GroupByModel    GroupBy = "model"
	GroupBySpectrum GroupBy = "spectrum"
	GroupByHour     GroupBy = "hour"
	GroupByNone     GroupBy = "none"
)

// GetRunStats returns aggregate statistics for session, grouped by groupBy.
func (c *Client) GetRunStats(ctx context.Context, session string, groupBy GroupBy) (AggregateStats, error) {
	q := url.Values{}
	if session != "" {
		q.Set("session", session)
	}
	q.Set("group_by", string(groupBy))

	var stats AggregateStats
	if err := c.call(ctx, "get_run_stats", shortOpTimeout, http.MethodGet, "/runs/stats?"+q.Encode(), nil, &stats); err != nil {
		return AggregateStats{}, err
	}
	return stats, nil
}

// SubmitFeedback attaches a human/automated quality score to a run.
func (c *Client) SubmitFeedback(ctx context.Context, runID string, score float64, comment string) error {
	if score < 0 || score > 1 {
		return apperrors.NewValidationError("score", "must be in [0,1]")
	}
	body := map[string]any{"run_id": runID, "score": score, "comment": comment}
	return c.call(ctx, "submit_feedback", shortOpTimeout, http.MethodPost, "/feedback", body, nil)
}

// CreateDataset creates a named dataset and returns its ID.
func (c *Client) CreateDataset(ctx context.Context, name, description string) (string, error) {
	body := map[string]any{"name": name, "description": description}
	var resp struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := c.call(ctx, "create_dataset", shortOpTimeout, http.MethodPost, "/datasets", body, &resp); err != nil {
		return "", err
	}
	return resp.DatasetID, nil
}

// AddExamples appends examples to an existing dataset and returns how many
// were accepted.
func (c *Client) AddExamples(ctx context.Context, datasetID string, examples []map[string]any) (int, error) {
	body := map[string]any{"examples": examples}
	var resp struct {
		Added int `json:"added_count"`
	}
	path := fmt.Sprintf("/datasets/%s/examples", datasetID)
	if err := c.call(ctx, "add_examples", bulkOpTimeout, http.MethodPost, path, body, &resp); err != nil {
		return 0, err
	}
	return resp.Added, nil
}

// ExportFormat enumerates the supported bulk-export encodings.
type ExportFormat string

const (
	ExportNDJSON ExportFormat = "ndjson"
	ExportCSV    ExportFormat = "csv"
)

// StartBulkExport schedules an asynchronous bulk export and returns its ID.
func (c *Client) StartBulkExport(ctx context.Context, query string, format ExportFormat) (string, error) {
	body := map[string]any{"query": query, "format": format}
	var resp struct {
		ExportID string `json:"export_id"`
	}
	if err := c.call(ctx, "start_bulk_export", bulkOpTimeout, http.MethodPost, "/exports", body, &resp); err != nil {
		return "", err
	}
	return resp.ExportID, nil
}

// BulkExportStatus is the poll_bulk_export result.
type BulkExportStatus struct {
	State string `json:"state"` // pending | ready | failed
	URL   string `json:"url,omitempty"`
	Err   string `json:"error,omitempty"`
}

// PollBulkExport checks an export's progress.
func (c *Client) PollBulkExport(ctx context.Context, exportID string) (BulkExportStatus, error) {
	var status BulkExportStatus
	path := fmt.Sprintf("/exports/%s", exportID)
	if err := c.call(ctx, "poll_bulk_export", shortOpTimeout, http.MethodGet, path, nil, &status); err != nil {
		return BulkExportStatus{}, err
	}
	return status, nil
}

// AnnotationQueue describes one human-annotation queue.
type AnnotationQueue struct {
	QueueID string `json:"queue_id"`
	Name    string `json:"name"`
	Pending int    `json:"pending"`
}

// ListAnnotationQueues lists the backend's annotation queues.
func (c *Client) ListAnnotationQueues(ctx context.Context) ([]AnnotationQueue, error) {
	var queues []AnnotationQueue
	if err := c.call(ctx, "list_annotation_queues", shortOpTimeout, http.MethodGet, "/annotation-queues", nil, &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// Enqueue adds item to queueID for human annotation.
func (c *Client) Enqueue(ctx context.Context, queueID string, item map[string]any) error {
	path := fmt.Sprintf("/annotation-queues/%s/items", queueID)
	return c.call(ctx, "enqueue", shortOpTimeout, http.MethodPost, path, item, nil)
}

// WorkspaceStats is the workspace_stats response.
type WorkspaceStats struct {
	Projects    int `json:"projects"`
	Datasets    int `json:"datasets"`
	Repos       int `json:"repos"`
	RunsLast24h int `json:"runs_last_24h"`
}

// WorkspaceStats reports coarse workspace-level counters.
func (c *Client) WorkspaceStats(ctx context.Context) (WorkspaceStats, error) {
	var stats WorkspaceStats
	if err := c.call(ctx, "workspace_stats", shortOpTimeout, http.MethodGet, "/workspace/stats", nil, &stats); err != nil {
		return WorkspaceStats{}, err
	}
	return stats, nil
}

// call performs one credentialed HTTP request against the backend, honoring
// the local rate budget and retrying per the backend's classification.
func (c *Client) call(ctx context.Context, op string, timeout time.Duration, method, path string, body any, out any) error {
	for {
		allowed, wait := c.budget.Allow("local")
		if allowed {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.doOnce(callCtx, method, path, body, out)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !apperrors.IsRetriable(err) || attempt == maxRetries {
			return err
		}

		var backendErr *apperrors.BackendError
		wait := backoff(attempt)
		if asBackendError(err, &backendErr) && backendErr.RetryAfter > 0 {
			wait = backendErr.RetryAfter
		}

		c.log.Warn("retrying observability call", "op", op, "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", apperrors.ErrProtocolError, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", apperrors.ErrProtocolError, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Org-Id", c.orgID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrTransientBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		payload, _ := io.ReadAll(resp.Body)
		return apperrors.NewBackendError("observability_call", resp.StatusCode, retryAfter, fmt.Errorf("%s", string(payload)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", apperrors.ErrProtocolError, err)
	}
	return nil
}

func asBackendError(err error, target **apperrors.BackendError) bool {
	be, ok := err.(*apperrors.BackendError)
	if ok {
		*target = be
	}
	return ok
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}

// backoff computes exponential backoff with full jitter, per spec §4.1.
func backoff(attempt int) time.Duration {
	max := retryBase * time.Duration(1<<attempt)
	if max > retryCap {
		max = retryCap
	}
	return time.Duration(rand.Int64N(int64(max)))
}
