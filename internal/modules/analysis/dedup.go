package analysis

import (
	"context"
	"sync"
)

type flightKey struct {
	itemID string
	kind   AnalysisKind
}

type flight struct {
	done   chan struct{}
	result Result
}

// Dedup is the in-flight registry: at most one analysis attempt exists per
// (itemID, kind) pair at any instant. A duplicate submission awaits the
// in-flight attempt and observes its result instead of dispatching again.
type Dedup struct {
	mu       sync.Mutex
	inflight map[flightKey]*flight
}

func NewDedup() *Dedup {
	return &Dedup{inflight: make(map[flightKey]*flight)}
}

// Submit runs work for (itemID, kind) unless an identical attempt is already
// in flight. The second return value reports whether the result was shared
// from another caller's attempt. The registry entry is removed when work
// settles, success or failure, so later retries are never blocked.
func (d *Dedup) Submit(ctx context.Context, itemID string, kind AnalysisKind, work func(ctx context.Context) Result) (Result, bool) {
	key := flightKey{itemID: itemID, kind: kind}

	d.mu.Lock()
	if f, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		select {
		case <-f.done:
			r := f.result
			r.Shared = true
			return r, true
		case <-ctx.Done():
			return Result{ItemID: itemID, Kind: kind, Err: ctx.Err(), Error: ctx.Err().Error()}, true
		}
	}

	f := &flight{done: make(chan struct{})}
	d.inflight[key] = f
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
		close(f.done)
	}()

	f.result = work(ctx)
	return f.result, false
}

// InFlight reports whether an attempt for (itemID, kind) is currently
// registered.
func (d *Dedup) InFlight(itemID string, kind AnalysisKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[flightKey{itemID: itemID, kind: kind}]
	return ok
}
