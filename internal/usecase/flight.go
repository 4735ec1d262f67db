package usecase

import (
	"context"
	"slices"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/repository/cache"
)

type waiter struct {
	handle *fetch.AsyncRequest
	cb     func(*fetch.Response)
}

// flight is one GET shared by every caller missing the same key. Its
// transport is aborted once the last waiter cancels.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters []waiter
}

func (s *WebFileSource) join(ctx context.Context, key cache.Key, req fetch.TileRequest, handle *fetch.AsyncRequest, cb func(*fetch.Response)) {
	s.mu.Lock()
	f, ok := s.flights[key]
	if ok {
		f.waiters = append(f.waiters, waiter{handle: handle, cb: cb})
		s.mu.Unlock()
		s.metrics.CoalescedFetches.Inc()
		s.logger.Debug("joined in-flight fetch", "key", key.String())
	} else {
		fctx := context.WithoutCancel(ctx)
		var cancel context.CancelFunc
		if req.Timeout > 0 {
			fctx, cancel = context.WithTimeout(fctx, req.Timeout)
		} else {
			fctx, cancel = context.WithCancel(fctx)
		}
		f = &flight{ctx: fctx, cancel: cancel, waiters: []waiter{{handle: handle, cb: cb}}}
		s.flights[key] = f
		s.mu.Unlock()

		s.bg.Add(1)
		go s.run(key, req, f)
	}

	handle.OnCancel(func() { s.leave(key, f, handle) })
}

func (s *WebFileSource) leave(key cache.Key, f *flight, handle *fetch.AsyncRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters = slices.DeleteFunc(f.waiters, func(w waiter) bool { return w.handle == handle })
	if len(f.waiters) > 0 {
		return
	}
	if s.flights[key] == f {
		delete(s.flights, key)
	}
	f.cancel()
	s.logger.Debug("fetch aborted, no callers left", "key", key.String())
}

func (s *WebFileSource) run(key cache.Key, req fetch.TileRequest, f *flight) {
	defer s.bg.Done()

	res := s.fetcher.Get(f.ctx, req.URI)

	s.mu.Lock()
	if s.flights[key] == f {
		delete(s.flights, key)
	}
	waiters := slices.Clone(f.waiters)
	s.mu.Unlock()

	if res.HasError() {
		s.logger.Warn("tile fetch failed", "key", key.String(), "error", res.Err(), "rate_limited", res.RateLimitHit)
	} else {
		s.store(context.WithoutCancel(f.ctx), s.itemFromResponse(req, res), true)
	}
	f.cancel()

	s.queue.Post(func() {
		for _, w := range waiters {
			if w.handle.Complete() {
				w.cb(res)
			}
		}
	})
}
