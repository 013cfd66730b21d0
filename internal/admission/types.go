package admission

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidArgument is returned when the caller breaks the admission contract
// (empty identity, unknown tier or class, negative amounts). It is never used
// to signal a routine rejection.
var ErrInvalidArgument = errors.New("admission: invalid argument")

// Tier is a request-volume policy tier. Tiers are ordered by permissiveness:
// Tier1 is the strictest.
type Tier int

const (
	Tier1 Tier = iota + 1
	Tier2
	Tier3
)

// Tiers lists every tier in order of permissiveness
var Tiers = []Tier{Tier1, Tier2, Tier3}

// Valid reports whether t is one of the known tiers
func (t Tier) Valid() bool {
	switch t {
	case Tier1, Tier2, Tier3:
		return true
	default:
		return false
	}
}

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses "tier1", "TIER_1" or "1" style names
func ParseTier(s string) (Tier, error) {
	switch normalizeName(s) {
	case "tier1", "1":
		return Tier1, nil
	case "tier2", "2":
		return Tier2, nil
	case "tier3", "3":
		return Tier3, nil
	}
	return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, s)
}

// BudgetClass is one of the independent HBAR spend ceilings. Total is the
// process-wide ceiling every paid operation is also charged against; it is
// never assigned to an identity.
type BudgetClass int

const (
	Basic BudgetClass = iota + 1
	Extended
	Privileged
	Total
)

// Valid reports whether c is one of the known budget classes
func (c BudgetClass) Valid() bool {
	switch c {
	case Basic, Extended, Privileged, Total:
		return true
	default:
		return false
	}
}

func (c BudgetClass) String() string {
	switch c {
	case Basic:
		return "basic"
	case Extended:
		return "extended"
	case Privileged:
		return "privileged"
	case Total:
		return "total"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseBudgetClass parses a budget class name
func ParseBudgetClass(s string) (BudgetClass, error) {
	switch normalizeName(s) {
	case "basic":
		return Basic, nil
	case "extended":
		return Extended, nil
	case "privileged":
		return Privileged, nil
	case "total":
		return Total, nil
	}
	return 0, fmt.Errorf("%w: unknown budget class %q", ErrInvalidArgument, s)
}

// identityIndex maps an identity-owned class to its slot in identityState.budgets
func (c BudgetClass) identityIndex() int {
	switch c {
	case Basic:
		return 0
	case Extended:
		return 1
	case Privileged:
		return 2
	default:
		return -1
	}
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

// RejectionKind tells why a request was not admitted
type RejectionKind int

const (
	RejectNone RejectionKind = iota
	RejectRateLimit
	RejectBudget
)

func (k RejectionKind) String() string {
	switch k {
	case RejectNone:
		return "none"
	case RejectRateLimit:
		return "RateLimitExceeded"
	case RejectBudget:
		return "BudgetExhausted"
	default:
		return fmt.Sprintf("rejection(%d)", int(k))
	}
}

// Request is a single admission query
type Request struct {
	Identity string
	Tier     Tier
	Class    BudgetClass
	Paid     bool
	// Cost is the estimated price in tinybars; only read when Paid is set
	Cost int64
}

// Decision is the outcome of TryAdmit
type Decision struct {
	Admitted bool
	Reason   RejectionKind

	// RemainingRequests in the identity's current request window
	RemainingRequests int
	// RemainingBudget in the request's budget class, only meaningful for paid requests
	RemainingBudget int64
	// RetryAfter is the time until the window that caused the rejection resets
	RetryAfter time.Duration
	// Debit is set when a paid request was charged; pass it to Reverse to
	// undo the charge
	Debit Debit
}

// Debit records a charge made by TryAdmit together with the windows it was
// charged to
type Debit struct {
	Identity string
	Class    BudgetClass
	Amount   int64

	classWindow time.Time
	totalWindow time.Time
}

// Limits is the immutable numeric configuration of a Controller
type Limits struct {
	Tier1         int
	Tier2         int
	Tier3         int
	RequestWindow time.Duration

	Basic        int64
	Extended     int64
	Privileged   int64
	Total        int64
	BudgetWindow time.Duration
}

// Default limits, in requests and tinybars
const (
	DefaultTier1Limit    = 100
	DefaultTier2Limit    = 800
	DefaultTier3Limit    = 1600
	DefaultRequestWindow = 60 * time.Second

	DefaultBasicBudget      = int64(1_120_000_000)   // 11.2 HBAR
	DefaultExtendedBudget   = int64(3_200_000_000)   // 32 HBAR
	DefaultPrivilegedBudget = int64(8_000_000_000)   // 80 HBAR
	DefaultTotalBudget      = int64(800_000_000_000) // 8000 HBAR
	DefaultBudgetWindow     = 24 * time.Hour
)

// DefaultLimits returns the stock relay limits
func DefaultLimits() Limits {
	return Limits{
		Tier1:         DefaultTier1Limit,
		Tier2:         DefaultTier2Limit,
		Tier3:         DefaultTier3Limit,
		RequestWindow: DefaultRequestWindow,
		Basic:         DefaultBasicBudget,
		Extended:      DefaultExtendedBudget,
		Privileged:    DefaultPrivilegedBudget,
		Total:         DefaultTotalBudget,
		BudgetWindow:  DefaultBudgetWindow,
	}
}

// TierMax returns the request ceiling for t, or 0 for an unknown tier
func (l Limits) TierMax(t Tier) int {
	switch t {
	case Tier1:
		return l.Tier1
	case Tier2:
		return l.Tier2
	case Tier3:
		return l.Tier3
	default:
		return 0
	}
}

// BudgetMax returns the ceiling for c, or 0 for an unknown class
func (l Limits) BudgetMax(c BudgetClass) int64 {
	switch c {
	case Basic:
		return l.Basic
	case Extended:
		return l.Extended
	case Privileged:
		return l.Privileged
	case Total:
		return l.Total
	default:
		return 0
	}
}

// Validate checks the limits for values that can never admit anything sensible
func (l Limits) Validate() error {
	for _, t := range Tiers {
		if l.TierMax(t) < 0 {
			return fmt.Errorf("%s limit must be non-negative", t)
		}
	}
	if l.RequestWindow <= 0 {
		return errors.New("request window must be positive")
	}
	for _, c := range []BudgetClass{Basic, Extended, Privileged, Total} {
		if l.BudgetMax(c) < 0 {
			return fmt.Errorf("%s budget must be non-negative", c)
		}
	}
	if l.BudgetWindow <= 0 {
		return errors.New("budget window must be positive")
	}
	return nil
}
