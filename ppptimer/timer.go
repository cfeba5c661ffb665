// Package ppptimer implements the one-shot timer contract named in
// spec.md section 6 ("timeout_ms(callback, arg, ms) / untimeout"), plus a
// deterministic fake used by the fsm, lcp and ppp test suites so that
// retransmit/echo-failure/idle-timeout behavior can be verified without
// sleeping real wall-clock time.
package ppptimer

import "time"

// Cancel, returned by TimeoutMS, cancels a pending timer. Calling it after
// the timer has already fired is a no-op, matching untimeout's semantics
// when the callback has already run.
type Cancel func()

// Timer arms one-shot callbacks. Periodic behavior (FSM retransmit, LCP
// echo, idle/max-connect) is implemented by re-arming from the callback,
// per spec.md section 6.
type Timer interface {
	TimeoutMS(cb func(), ms int) Cancel
}

// Real is a Timer backed by the standard library's time.AfterFunc.
type Real struct{}

func (Real) TimeoutMS(cb func(), ms int) Cancel {
	t := time.AfterFunc(time.Duration(ms)*time.Millisecond, cb)
	return func() { t.Stop() }
}
