// Package errs defines the error kinds of the batch compute driver (spec §7)
// as sentinel errors, so callers can classify failures with errors.Is
// instead of matching on message strings.
package errs

import "errors"

var (
	// ErrTransientCoordination marks a watch conflict or network blip
	// against the Coordination Store. Policy: retry inline, no upper bound.
	ErrTransientCoordination = errors.New("transient coordination store error")

	// ErrQuotaExceeded marks a Cloud Fleet rejection of a launch request.
	// Policy: log, continue with whatever fleet did launch; never fatal.
	ErrQuotaExceeded = errors.New("cloud fleet quota exceeded")

	// ErrWorkerStalled marks a worker whose heartbeat age exceeded the
	// configured threshold. Policy: terminate and re-queue its items.
	ErrWorkerStalled = errors.New("worker stalled")

	// ErrUserEntryPointFailed marks a non-zero exit from the user
	// entry-point. Policy: leave the item in_progress; the stall detector
	// re-routes it (see DESIGN.md, Open Question 1).
	ErrUserEntryPointFailed = errors.New("user entry point failed")

	// ErrObjectStoreIO marks an Object Store put/get failure. Policy:
	// bounded local retry; on exhaustion the worker aborts.
	ErrObjectStoreIO = errors.New("object store i/o failed")

	// ErrAggregationFailed marks a fatal failure of the Aggregator.
	// Policy: upload logs, exit non-zero.
	ErrAggregationFailed = errors.New("aggregation failed")

	// ErrFleetEmpty marks that the initial fleet launch yielded zero
	// workers. Policy: fatal, self-terminate after log upload.
	ErrFleetEmpty = errors.New("initial fleet launch yielded no workers")
)
