// Package coalesce deduplicates identical in-flight operations. Callers
// sharing a fingerprint attach to one underlying execution and all receive
// its result; completion is a hard cutover, so the next caller after the
// result is delivered starts a fresh execution. There is no buffering
// window: deduplication happens only while work is actually in flight.
package coalesce

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time snapshot of group activity.
type Stats struct {
	Requests   uint64 // Do calls
	Coalesced  uint64 // calls answered by an execution another caller started
	Executions uint64 // underlying function executions
	InFlight   int64  // executions currently running
}

// Group coalesces calls per fingerprint. The zero value is ready to use.
type Group[V any] struct {
	sf singleflight.Group

	requests   atomic.Uint64
	coalesced  atomic.Uint64
	executions atomic.Uint64
	inFlight   atomic.Int64
}

// Do executes fn under the fingerprint, deduplicating concurrent calls.
// The second return reports whether this caller attached to an execution
// started by someone else.
//
// fn runs on a context detached from the initiator's cancellation: one
// caller timing out or going away never cancels work other callers are
// waiting on. The abandoning caller gets its ctx error immediately; the
// shared execution keeps running and its result still serves the rest.
// Errors from fn are broadcast to every attached caller and nothing is
// retained afterwards.
func (g *Group[V]) Do(ctx context.Context, fingerprint string, fn func(context.Context) (V, error)) (V, bool, error) {
	var zero V
	g.requests.Add(1)

	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	// initiated is written at most once, inside the one closure singleflight
	// chooses to run; the result-channel receive orders the read after it.
	initiated := false
	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(fingerprint, func() (any, error) {
		initiated = true
		g.executions.Add(1)
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		return fn(detached)
	})

	select {
	case res := <-ch:
		if !initiated {
			g.coalesced.Add(1)
		}
		v, _ := res.Val.(V)
		return v, !initiated, res.Err
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget drops the in-flight record for a fingerprint so the next Do starts
// a fresh execution even if one is still running.
func (g *Group[V]) Forget(fingerprint string) { g.sf.Forget(fingerprint) }

// InFlight reports how many executions are currently running.
func (g *Group[V]) InFlight() int64 { return g.inFlight.Load() }

func (g *Group[V]) Stats() Stats {
	return Stats{
		Requests:   g.requests.Load(),
		Coalesced:  g.coalesced.Load(),
		Executions: g.executions.Load(),
		InFlight:   g.inFlight.Load(),
	}
}
