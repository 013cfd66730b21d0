package fees

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"ledgerrelay/internal/config"
)

// Network fees in US cents
const (
	TransactionGetRecordCents = 0.01
	FileCreatePer5KBCents     = 9.51
	FileAppendPer5KBCents     = 9.55

	// FileChunkSize is the call data size above which a transaction is
	// uploaded as a file before execution
	FileChunkSize = 5120

	TinybarsPerHbar = 100_000_000
)

var (
	// ErrTransactionTooLarge is returned for raw transactions over the size limit
	ErrTransactionTooLarge = errors.New("transaction size exceeds limit")
	// ErrMalformedTransaction is returned when the raw transaction is not hex
	ErrMalformedTransaction = errors.New("malformed raw transaction")
)

// Estimate is the priced outcome for one call
type Estimate struct {
	Paid bool
	// Cost in tinybars
	Cost int64
	// Size of the raw transaction in bytes
	Size int
}

// Estimator prices operations that the relay operator pays for
type Estimator struct {
	centEquivalent int64
	hbarEquivalent int64
	sizeLimit      int
}

// NewEstimator creates an Estimator from the budget configuration
func NewEstimator(cfg config.HbarLimitConfig) (*Estimator, error) {
	if cfg.CentEquivalent <= 0 || cfg.HbarEquivalent <= 0 {
		return nil, fmt.Errorf("exchange rate must be positive, got %d cents / %d hbar", cfg.CentEquivalent, cfg.HbarEquivalent)
	}
	return &Estimator{
		centEquivalent: cfg.CentEquivalent,
		hbarEquivalent: cfg.HbarEquivalent,
		sizeLimit:      cfg.SendRawTransactionSizeLimit,
	}, nil
}

// IsPaid reports whether method spends operator HBAR
func IsPaid(method string) bool {
	return method == "eth_sendRawTransaction"
}

// Estimate prices a call. Free methods return a zero Estimate.
func (e *Estimator) Estimate(method string, params json.RawMessage) (Estimate, error) {
	if !IsPaid(method) {
		return Estimate{}, nil
	}

	size, err := e.rawTransactionSize(params)
	if err != nil {
		return Estimate{}, err
	}

	cents := TransactionGetRecordCents
	if size > FileChunkSize {
		chunks := (size + FileChunkSize - 1) / FileChunkSize
		cents += FileCreatePer5KBCents + float64(chunks-1)*FileAppendPer5KBCents
	}

	return Estimate{Paid: true, Cost: e.CentsToTinybars(cents), Size: size}, nil
}

// CentsToTinybars converts a fee in cents at the configured exchange rate,
// rounding up so estimates never undercharge
func (e *Estimator) CentsToTinybars(cents float64) int64 {
	tinybars := cents * float64(e.hbarEquivalent) * TinybarsPerHbar / float64(e.centEquivalent)
	return int64(math.Ceil(tinybars))
}

func (e *Estimator) rawTransactionSize(params json.RawMessage) (int, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return 0, fmt.Errorf("%w: missing transaction", ErrMalformedTransaction)
	}
	var raw string
	if err := json.Unmarshal(args[0], &raw); err != nil {
		return 0, fmt.Errorf("%w: transaction must be a hex string", ErrMalformedTransaction)
	}

	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	size := len(raw) / 2
	if e.sizeLimit > 0 && size > e.sizeLimit {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrTransactionTooLarge, size, e.sizeLimit)
	}
	if len(raw) == 0 || len(raw)%2 != 0 {
		return 0, fmt.Errorf("%w: odd or empty hex", ErrMalformedTransaction)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return size, nil
}
