package ppptimer

import "sort"

// Fake is a deterministic Timer for tests: no goroutines, no real sleeping.
// Call Advance to move the clock forward; any pending timer whose deadline
// has been reached fires synchronously, in deadline order.
type Fake struct {
	now     int
	pending []*fakeEntry
}

type fakeEntry struct {
	deadline int
	cb       func()
	fired    bool
	canceled bool
}

func (f *Fake) TimeoutMS(cb func(), ms int) Cancel {
	e := &fakeEntry{deadline: f.now + ms, cb: cb}
	f.pending = append(f.pending, e)
	return func() { e.canceled = true }
}

// Advance moves the fake clock forward by ms milliseconds, firing any
// timers whose deadline falls at or before the new time.
func (f *Fake) Advance(ms int) {
	f.now += ms
	for {
		fired := false
		sort.Slice(f.pending, func(i, j int) bool {
			return f.pending[i].deadline < f.pending[j].deadline
		})
		for _, e := range f.pending {
			if e.fired || e.canceled {
				continue
			}
			if e.deadline > f.now {
				continue
			}
			e.fired = true
			fired = true
			e.cb()
			break // callback may have armed a new timer; re-sort
		}
		if !fired {
			break
		}
	}
}

// Now returns the fake clock's current value, in milliseconds.
func (f *Fake) Now() int { return f.now }
