// Package trigger turns filesystem events into coalesced merge-scan
// dispatches: a single cooperative Tick drains the monitor, maintains the
// chapter-rename queue, and hands pending scan requests to the merge
// handler.
package trigger

import (
	"context"
	"sync"
)

// Outcome classifies one dispatched merge scan.
type Outcome int

// Dispatch outcomes. The first four are propagated verbatim from the merge
// handler; OutcomeNoPendingRequest means there was nothing to dispatch.
const (
	OutcomeSuccess Outcome = iota
	OutcomeBusy
	OutcomeMixed
	OutcomeFailure
	OutcomeNoPendingRequest
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBusy:
		return "busy"
	case OutcomeMixed:
		return "mixed"
	case OutcomeFailure:
		return "failure"
	case OutcomeNoPendingRequest:
		return "no_pending_request"
	default:
		return "unknown"
	}
}

// Handler runs one merge pass for a dispatched scan request.
type Handler interface {
	RunMergePass(ctx context.Context, reason string, force bool) Outcome
}

// Coalescer merges concurrent scan requests into at most one pending
// request: force is the disjunction of all pending flags, reason the most
// recent.
type Coalescer struct {
	mu      sync.Mutex
	pending bool
	reason  string
	force   bool
}

// NewCoalescer builds an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// RequestScan records a scan request, merging it with any pending one.
func (c *Coalescer) RequestScan(reason string, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = true
	c.reason = reason
	c.force = c.force || force
}

// Pending reports whether a request awaits dispatch.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending
}

// DispatchPending hands the pending request to the handler and returns its
// outcome verbatim. A Busy outcome re-arms the request so the caller can
// retry after its lock-retry delay; requests arriving during the pass merge
// with the re-armed one.
func (c *Coalescer) DispatchPending(ctx context.Context, handler Handler) Outcome {
	c.mu.Lock()

	if !c.pending {
		c.mu.Unlock()

		return OutcomeNoPendingRequest
	}

	reason, force := c.reason, c.force
	c.pending, c.reason, c.force = false, "", false

	c.mu.Unlock()

	outcome := handler.RunMergePass(ctx, reason, force)

	if outcome == OutcomeBusy {
		c.mu.Lock()

		if c.reason == "" {
			c.reason = reason
		}

		c.pending = true
		c.force = c.force || force

		c.mu.Unlock()
	}

	return outcome
}
