package sink

import (
	"context"
	"sync"

	"github.com/therealutkarshpriyadarshi/gress-replay/pkg/stream"
)

// inflight tracks deliveries handed to a client but not yet resolved
type inflight struct {
	mu      sync.Mutex
	pending map[*stream.Delivery]struct{}
	idle    chan struct{} // closed when pending drains to zero
}

func (f *inflight) track(d *stream.Delivery) {
	f.mu.Lock()
	if f.pending == nil {
		f.pending = make(map[*stream.Delivery]struct{})
	}
	f.pending[d] = struct{}{}
	f.mu.Unlock()

	d.OnComplete(func(error) { f.release(d) })
}

func (f *inflight) release(d *stream.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.pending, d)
	if len(f.pending) == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// wait blocks until nothing is pending or ctx is done
func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.idle == nil {
		f.idle = make(chan struct{})
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failAll resolves every pending delivery with err
func (f *inflight) failAll(err error) {
	f.mu.Lock()
	pending := make([]*stream.Delivery, 0, len(f.pending))
	for d := range f.pending {
		pending = append(pending, d)
	}
	f.mu.Unlock()

	for _, d := range pending {
		d.Resolve(err)
	}
}
