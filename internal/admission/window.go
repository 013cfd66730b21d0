package admission

import (
	"sync/atomic"
	"time"
)

// window is a fixed window that starts on first use and resets lazily on the
// first access after it has elapsed.
type window struct {
	start time.Time
	used  int64
}

// roll resets the window if it has never been used or has elapsed at now
func (w *window) roll(now time.Time, length time.Duration) {
	if w.start.IsZero() || now.Sub(w.start) >= length {
		w.start = now
		w.used = 0
	}
}

// usedAt returns the consumption visible at now without resetting the window
func (w window) usedAt(now time.Time, length time.Duration) int64 {
	if w.start.IsZero() || now.Sub(w.start) >= length {
		return 0
	}
	return w.used
}

// resetIn returns how long until the window resets
func (w window) resetIn(now time.Time, length time.Duration) time.Duration {
	if w.start.IsZero() {
		return 0
	}
	d := w.start.Add(length).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// sharedLedger is the process-wide Total budget. Snapshots are immutable and
// swapped with CAS so debits never need a lock shared across identities.
type sharedLedger struct {
	limit  int64
	length time.Duration
	cur    atomic.Pointer[window]
}

func newSharedLedger(limit int64, length time.Duration) *sharedLedger {
	l := &sharedLedger{limit: limit, length: length}
	l.cur.Store(&window{})
	return l
}

// reserve debits cost if it fits in the remaining balance and returns the
// start of the window charged. It returns false without any debit otherwise.
func (l *sharedLedger) reserve(cost int64, now time.Time) (time.Time, bool) {
	for {
		old := l.cur.Load()
		next := *old
		next.roll(now, l.length)
		if cost > l.limit-next.used {
			return time.Time{}, false
		}
		next.used += cost
		if l.cur.CompareAndSwap(old, &next) {
			return next.start, true
		}
	}
}

// release re-credits amount, never below zero consumption. A refund that
// arrives after the window reset has nothing left to re-credit. A non-zero
// charged restricts the credit to the window that started then.
func (l *sharedLedger) release(amount int64, now, charged time.Time) {
	for {
		old := l.cur.Load()
		if old.start.IsZero() || now.Sub(old.start) >= l.length {
			return
		}
		if !charged.IsZero() && !old.start.Equal(charged) {
			return
		}
		next := *old
		next.used -= amount
		if next.used < 0 {
			next.used = 0
		}
		if l.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (l *sharedLedger) remaining(now time.Time) int64 {
	w := l.cur.Load()
	return l.limit - w.usedAt(now, l.length)
}

func (l *sharedLedger) resetIn(now time.Time) time.Duration {
	return l.cur.Load().resetIn(now, l.length)
}
