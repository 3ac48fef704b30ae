// Package capability holds the failure-classification sentinels shared by
// the eight Autonomous Capability Engine (C3) subpackages
// (regression, patternindex, metalearn, forecast, abtest, feedback,
// bulkanalytics, annotation). Each subpackage's Run returns one of these
// three kinds so the Virtuous Cycle Manager's scheduler can classify
// uniformly with errors.Is, per spec §4.3's "Capability Failure Semantics".
package capability

import "errors"

var (
	// ErrInsufficientData signals unmet preconditions (too few samples,
	// too short a baseline). The scheduler short-circuits to a no-op
	// rather than treating this as a failure.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrTransientBackend signals a retriable failure reaching C1. The
	// scheduler retries per its backoff policy.
	ErrTransientBackend = errors.New("transient backend failure")

	// ErrInvariant signals an internal contract breach. The scheduler
	// logs it and raises an alert; never retried.
	ErrInvariant = errors.New("invariant violation")
)
