package bridge

import (
	"context"
	"sync"
)

// Promise is the host-side completion handle for an asynchronous call.
// Exactly one of Resolve or Reject is called, once.
type Promise interface {
	Resolve(value any)
	Reject(err error)
}

// Result is the settled state of a ChanPromise.
type Result struct {
	Value any
	Err   error
}

// ChanPromise is a Promise backed by a channel. Settling it more than once
// keeps the first result.
type ChanPromise struct {
	once sync.Once
	done chan Result
}

// NewPromise creates an unsettled ChanPromise.
func NewPromise() *ChanPromise {
	return &ChanPromise{done: make(chan Result, 1)}
}

func (p *ChanPromise) Resolve(value any) {
	p.once.Do(func() { p.done <- Result{Value: value} })
}

func (p *ChanPromise) Reject(err error) {
	p.once.Do(func() { p.done <- Result{Err: err} })
}

// Done returns a channel that receives the result once settled.
func (p *ChanPromise) Done() <-chan Result {
	return p.done
}

// Wait blocks until the promise settles or ctx is done.
func (p *ChanPromise) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-p.done:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
