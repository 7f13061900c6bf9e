package test_utils

import "time"

type ChanResult[V any] struct {
	Value   V
	Timeout bool
}

// RequireChan waits up to timeout for one value from ch.
func RequireChan[V any](ch <-chan V, timeout time.Duration) ChanResult[V] {
	var v V
	select {
	case v = <-ch:
		return ChanResult[V]{v, false}
	case <-time.After(timeout):
		return ChanResult[V]{v, true}
	}
}

// RequireChanN collects n values from ch, giving up once timeout has passed
// since the call. The values received so far are returned on timeout.
func RequireChanN[V any](ch <-chan V, n int, timeout time.Duration) ([]V, bool) {
	deadline := time.After(timeout)
	values := make([]V, 0, n)
	for len(values) < n {
		select {
		case v := <-ch:
			values = append(values, v)
		case <-deadline:
			return values, true
		}
	}
	return values, false
}

// RequireNoValue reports whether ch stays silent for d.
func RequireNoValue[V any](ch <-chan V, d time.Duration) bool {
	select {
	case <-ch:
		return false
	case <-time.After(d):
		return true
	}
}
