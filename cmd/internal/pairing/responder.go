package pairing

import "sync/atomic"

// Result is what the original Pair caller receives: a code or a terminal error.
type Result struct {
	Code string
	Err  error
}

// responder delivers exactly one Result. Later settle calls are dropped.
type responder struct {
	done atomic.Bool
	ch   chan Result
}

func newResponder() *responder {
	return &responder{ch: make(chan Result, 1)}
}

// settle delivers res if nothing was delivered yet and reports whether it did.
func (r *responder) settle(res Result) bool {
	if !r.done.CompareAndSwap(false, true) {
		return false
	}
	r.ch <- res
	return true
}

// abandon marks the responder settled without delivering (caller went away).
func (r *responder) abandon() bool {
	return r.done.CompareAndSwap(false, true)
}

func (r *responder) settled() bool { return r.done.Load() }
