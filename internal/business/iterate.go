package business

import (
	"iter"
	"time"
)

// IterateWithTimeout yields values from src until src is closed, the total
// timeout measured from the first call elapses, or the business is told to
// stop. The remaining budget is recomputed before every receive, so the
// whole sequence never takes longer than timeout however many values
// arrive. Callers can tell a stop from a timeout by checking b.Stopping().
func IterateWithTimeout[T any](b *Base, src <-chan T, timeout time.Duration) iter.Seq[T] {
	return func(yield func(T) bool) {
		start := time.Now()
		for {
			if b.stopping.Load() {
				return
			}
			remaining := timeout - time.Since(start)
			if remaining <= 0 {
				return
			}

			timer := time.NewTimer(remaining)
			select {
			case v, ok := <-src:
				timer.Stop()
				if !ok || b.stopping.Load() {
					return
				}
				if !yield(v) {
					return
				}
			case <-b.control:
				timer.Stop()
				return
			case <-timer.C:
				return
			}
		}
	}
}
