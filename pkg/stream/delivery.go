package stream

import (
	"sync"
)

// Completion is the handle returned for one asynchronous send.
// Listeners run exactly once, on success or failure.
type Completion interface {
	// OnComplete registers a listener. If the send already completed the
	// listener runs immediately on the calling goroutine.
	OnComplete(fn func(err error))
	// Done is closed once the send has completed
	Done() <-chan struct{}
	// Err returns the send error after Done is closed
	Err() error
}

// Delivery is the Completion implementation shared by all sinks
type Delivery struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	resolved  bool
	listeners []func(error)
}

// NewDelivery creates an unresolved delivery
func NewDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

// Resolved returns a delivery that has already completed with err
func Resolved(err error) *Delivery {
	d := NewDelivery()
	d.Resolve(err)
	return d
}

// Resolve completes the delivery. Only the first call has any effect.
func (d *Delivery) Resolve(err error) {
	d.mu.Lock()
	if d.resolved {
		d.mu.Unlock()
		return
	}
	d.resolved = true
	d.err = err
	listeners := d.listeners
	d.listeners = nil
	close(d.done)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// OnComplete implements Completion
func (d *Delivery) OnComplete(fn func(err error)) {
	d.mu.Lock()
	if !d.resolved {
		d.listeners = append(d.listeners, fn)
		d.mu.Unlock()
		return
	}
	err := d.err
	d.mu.Unlock()
	fn(err)
}

// Done implements Completion
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err implements Completion
func (d *Delivery) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
