package drivermgr

import "sync"

// BindResultTracker fans in the results of a batch of concurrent binds.
// The callback runs exactly once, when every expected result is in.
type BindResultTracker struct {
	mu       sync.Mutex
	expected int
	current  int
	results  []BindResult
	callback func([]BindResult)
}

// NewBindResultTracker returns a tracker expecting expected reports. With
// zero expected reports the callback runs immediately.
func NewBindResultTracker(expected int, callback func([]BindResult)) *BindResultTracker {
	t := &BindResultTracker{expected: expected, callback: callback}
	if expected <= 0 {
		t.fire()
	}
	return t
}

func (t *BindResultTracker) ReportSuccessfulBind(nodeName, driverURL string) {
	t.report(&BindResult{NodeName: nodeName, DriverURL: driverURL})
}

func (t *BindResultTracker) ReportNoBind() {
	t.report(nil)
}

func (t *BindResultTracker) report(r *BindResult) {
	t.mu.Lock()
	if t.current >= t.expected {
		t.mu.Unlock()
		return
	}
	t.current++
	if r != nil {
		t.results = append(t.results, *r)
	}
	complete := t.current == t.expected
	t.mu.Unlock()

	if complete {
		t.fire()
	}
}

func (t *BindResultTracker) fire() {
	t.mu.Lock()
	cb := t.callback
	t.callback = nil
	results := t.results
	t.mu.Unlock()

	if cb != nil {
		cb(results)
	}
}
