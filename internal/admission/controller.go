package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives every admission outcome. Implementations must not block.
type Observer interface {
	ObserveDecision(req Request, d Decision)
	ObserveRefund(class BudgetClass, amount int64)
}

// identityState holds the request counter and spend ledgers of one identity.
// All fields are guarded by mu.
type identityState struct {
	mu       sync.Mutex
	retired  bool
	lastSeen time.Time
	requests window
	budgets  [3]window
}

// Controller decides whether a request may proceed. A single Controller is
// built at startup and shared by every handler for the life of the process.
type Controller struct {
	limits     Limits
	identities sync.Map // identity -> *identityState
	total      *sharedLedger
	now        func() time.Time
	observer   Observer
	logger     zerolog.Logger
}

// Option configures a Controller
type Option func(*Controller)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithObserver attaches a decision observer (metrics)
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// New creates a Controller for the given limits
func New(limits Limits, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admission limits: %w", err)
	}

	c := &Controller{
		limits: limits,
		total:  newSharedLedger(limits.Total, limits.BudgetWindow),
		now:    time.Now,
		logger: logger.With().Str("component", "admission").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Limits returns the configured limits
func (c *Controller) Limits() Limits {
	return c.limits
}

// TryAdmit counts the request against the identity's tier and, for paid
// operations, debits the class and Total budgets all-or-nothing.
// The error is non-nil only for caller contract violations.
func (c *Controller) TryAdmit(req Request) (Decision, error) {
	if err := c.checkRequest(req); err != nil {
		return Decision{}, err
	}

	now := c.now()
	for {
		st := c.state(req.Identity)
		st.mu.Lock()
		if st.retired {
			// swept between Load and Lock; the map already holds a fresh state
			st.mu.Unlock()
			continue
		}
		d := c.admitLocked(st, req, now)
		st.mu.Unlock()

		if c.observer != nil {
			c.observer.ObserveDecision(req, d)
		}
		return d, nil
	}
}

func (c *Controller) admitLocked(st *identityState, req Request, now time.Time) Decision {
	st.lastSeen = now

	limit := int64(c.limits.TierMax(req.Tier))
	st.requests.roll(now, c.limits.RequestWindow)
	if st.requests.used >= limit {
		return Decision{
			Reason:     RejectRateLimit,
			RetryAfter: st.requests.resetIn(now, c.limits.RequestWindow),
		}
	}
	st.requests.used++

	d := Decision{
		Admitted:          true,
		RemainingRequests: int(limit - st.requests.used),
	}
	if !req.Paid {
		return d
	}

	ledger := &st.budgets[req.Class.identityIndex()]
	ledger.roll(now, c.limits.BudgetWindow)
	classMax := c.limits.BudgetMax(req.Class)
	remaining := classMax - ledger.used

	if req.Cost > remaining {
		return Decision{
			Reason:            RejectBudget,
			RemainingRequests: d.RemainingRequests,
			RemainingBudget:   remaining,
			RetryAfter:        ledger.resetIn(now, c.limits.BudgetWindow),
		}
	}
	// The identity lock keeps ledger stable while Total is reserved, so a
	// failed reservation leaves both balances untouched.
	totalWindow, ok := c.total.reserve(req.Cost, now)
	if !ok {
		return Decision{
			Reason:            RejectBudget,
			RemainingRequests: d.RemainingRequests,
			RemainingBudget:   remaining,
			RetryAfter:        c.total.resetIn(now),
		}
	}
	ledger.used += req.Cost

	d.RemainingBudget = remaining - req.Cost
	d.Debit = Debit{
		Identity:    req.Identity,
		Class:       req.Class,
		Amount:      req.Cost,
		classWindow: ledger.start,
		totalWindow: totalWindow,
	}
	return d
}

// Refund re-credits amount to the identity's class ledger and to the Total
// ledger. Balances are capped at their window ceiling.
func (c *Controller) Refund(identity string, class BudgetClass, amount int64) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidArgument)
	}
	if !class.Valid() || class == Total {
		return fmt.Errorf("%w: cannot refund to class %s", ErrInvalidArgument, class)
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative refund %d", ErrInvalidArgument, amount)
	}
	if amount == 0 {
		return nil
	}

	c.credit(identity, class, amount, time.Time{}, time.Time{})
	return nil
}

// Reverse undoes a charge made by TryAdmit. A ledger whose window has reset
// since the charge is left untouched, so the refund never lowers
// consumption in a later window.
func (c *Controller) Reverse(debit Debit) error {
	if debit.Amount == 0 {
		return nil
	}
	if debit.classWindow.IsZero() || debit.totalWindow.IsZero() {
		return fmt.Errorf("%w: debit was not issued by TryAdmit", ErrInvalidArgument)
	}
	if debit.Amount < 0 {
		return fmt.Errorf("%w: negative refund %d", ErrInvalidArgument, debit.Amount)
	}
	c.credit(debit.Identity, debit.Class, debit.Amount, debit.classWindow, debit.totalWindow)
	return nil
}

// credit re-credits the class and Total ledgers. Zero window starts mean the
// current windows.
func (c *Controller) credit(identity string, class BudgetClass, amount int64, classWindow, totalWindow time.Time) {
	now := c.now()
	if v, ok := c.identities.Load(identity); ok {
		st := v.(*identityState)
		st.mu.Lock()
		if !st.retired {
			ledger := &st.budgets[class.identityIndex()]
			ledger.roll(now, c.limits.BudgetWindow)
			if classWindow.IsZero() || ledger.start.Equal(classWindow) {
				ledger.used -= amount
				if ledger.used < 0 {
					ledger.used = 0
				}
			}
		}
		st.mu.Unlock()
	}
	c.total.release(amount, now, totalWindow)

	if c.observer != nil {
		c.observer.ObserveRefund(class, amount)
	}
	c.logger.Debug().
		Str("identity", identity).
		Str("class", class.String()).
		Int64("amount", amount).
		Msg("budget refunded")
}

// Usage is a read-only view of one identity's consumption
type Usage struct {
	Requests      int64
	RequestsReset time.Duration
	Spent         map[BudgetClass]int64
}

// Snapshot returns the identity's current consumption without mutating it.
// The second return value is false when the identity has no state.
func (c *Controller) Snapshot(identity string) (Usage, bool) {
	v, ok := c.identities.Load(identity)
	if !ok {
		return Usage{}, false
	}
	now := c.now()
	st := v.(*identityState)

	st.mu.Lock()
	defer st.mu.Unlock()

	u := Usage{
		Requests:      st.requests.usedAt(now, c.limits.RequestWindow),
		RequestsReset: st.requests.resetIn(now, c.limits.RequestWindow),
		Spent:         make(map[BudgetClass]int64, 3),
	}
	for _, class := range []BudgetClass{Basic, Extended, Privileged} {
		u.Spent[class] = st.budgets[class.identityIndex()].usedAt(now, c.limits.BudgetWindow)
	}
	return u, true
}

// TotalRemaining returns the process-wide budget left in the current window
func (c *Controller) TotalRemaining() int64 {
	return c.total.remaining(c.now())
}

// Sweep drops identities whose windows have all elapsed. Dropping them is
// equivalent to the lazy reset they would see on their next request.
func (c *Controller) Sweep() int {
	now := c.now()
	idle := c.limits.RequestWindow
	if c.limits.BudgetWindow > idle {
		idle = c.limits.BudgetWindow
	}

	removed := 0
	c.identities.Range(func(key, value any) bool {
		st := value.(*identityState)
		st.mu.Lock()
		if !st.retired && now.Sub(st.lastSeen) >= idle {
			st.retired = true
			c.identities.CompareAndDelete(key, st)
			removed++
		}
		st.mu.Unlock()
		return true
	})
	return removed
}

// StartJanitor sweeps idle identities every interval until ctx is done
func (c *Controller) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug().Int("identities", n).Msg("swept idle identities")
				}
			}
		}
	}()
}

func (c *Controller) state(identity string) *identityState {
	if v, ok := c.identities.Load(identity); ok {
		return v.(*identityState)
	}
	v, _ := c.identities.LoadOrStore(identity, &identityState{})
	return v.(*identityState)
}

func (c *Controller) checkRequest(req Request) error {
	if req.Identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidArgument)
	}
	if !req.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %s", ErrInvalidArgument, req.Tier)
	}
	if !req.Paid {
		return nil
	}
	if !req.Class.Valid() || req.Class == Total {
		return fmt.Errorf("%w: paid request needs an identity budget class, got %s", ErrInvalidArgument, req.Class)
	}
	if req.Cost < 0 {
		return fmt.Errorf("%w: negative cost %d", ErrInvalidArgument, req.Cost)
	}
	return nil
}
