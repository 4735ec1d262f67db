package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
)

// AsyncRequest is the caller's handle on one in-flight tile request.
// Cancelling it aborts the caller's interest; the completion callback is not
// delivered after Cancel returns.
type AsyncRequest struct {
	ID uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	canceled bool
	done     bool
	onCancel []func()
}

func NewAsyncRequest(parent context.Context) *AsyncRequest {
	ctx, cancel := context.WithCancel(parent)
	return &AsyncRequest{
		ID:     uuid.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is done once the request completes or is cancelled.
func (r *AsyncRequest) Context() context.Context {
	return r.ctx
}

// Cancel is idempotent. Hooks registered with OnCancel run once, on the
// first Cancel of a request that has not completed. Cancelling a completed
// request only suppresses later update deliveries.
func (r *AsyncRequest) Cancel() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	var hooks []func()
	if !r.done {
		hooks = r.onCancel
	}
	r.onCancel = nil
	r.mu.Unlock()

	r.cancel()
	for _, hook := range hooks {
		hook()
	}
}

func (r *AsyncRequest) IsCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Live reports whether the caller still wants deliveries for this request,
// including updates after completion.
func (r *AsyncRequest) Live() bool {
	return !r.IsCanceled()
}

func (r *AsyncRequest) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// OnCancel registers a hook for Cancel. It runs immediately if the request
// is already cancelled before completing.
func (r *AsyncRequest) OnCancel(hook func()) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	if r.canceled {
		r.mu.Unlock()
		hook()
		return
	}
	r.onCancel = append(r.onCancel, hook)
	r.mu.Unlock()
}

// Complete marks the request finished and reports whether the caller should
// still receive the result. It returns false once cancelled.
func (r *AsyncRequest) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled || r.done {
		return false
	}
	r.done = true
	r.onCancel = nil
	r.cancel()
	return true
}

// TileRequest describes one tile fetch. The cache key is always
// (TilesetID, TileID).
type TileRequest struct {
	URI       string
	TilesetID string
	TileID    tileid.CanonicalTileID
	// Timeout, when positive, bounds the request below the client timeout.
	Timeout time.Duration
}
