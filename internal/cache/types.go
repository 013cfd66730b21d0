package cache

import (
	"fmt"
	"time"
)

// Category groups methods that share a cache TTL policy
type Category string

const (
	CategoryAccount              Category = "account"
	CategoryBlockNumber          Category = "eth_block_number"
	CategoryCall                 Category = "eth_call"
	CategoryBalance              Category = "eth_get_balance"
	CategoryBlockByHash          Category = "eth_getBlockByHash"
	CategoryBlockByNumber        Category = "eth_getBlockByNumber"
	CategoryBlockTxCountByHash   Category = "eth_getBlockTransactionCountByHash"
	CategoryBlockTxCountByNumber Category = "eth_getBlockTransactionCountByNumber"
	CategoryTransactionCount     Category = "eth_getTransactionCount"
	CategoryTransactionReceipt   Category = "eth_getTransactionReceipt"
	CategoryLogs                 Category = "eth_getLogs"
	CategoryFeeHistory           Category = "fee_history"
	CategoryFilter               Category = "filter"
	CategoryGasPrice             Category = "gas_price"
	CategoryNetworkFees          Category = "network_fees"
	CategoryBlock                Category = "getBlock"
	CategoryContract             Category = "getContract"
	CategoryContractResult       Category = "getContractResult"
	CategoryTinybarGasFee        Category = "getTinyBarGasFee"
	CategoryResolveEntityType    Category = "resolveEntityType"
	CategorySyntheticLogTxHash   Category = "syntheticLogTransactionHash"
	CategoryFilterID             Category = "filterId"
	CategoryExchangeRate         Category = "currentNetworkExchangeRate"
)

// Categories lists every known category
var Categories = []Category{
	CategoryAccount,
	CategoryBlockNumber,
	CategoryCall,
	CategoryBalance,
	CategoryBlockByHash,
	CategoryBlockByNumber,
	CategoryBlockTxCountByHash,
	CategoryBlockTxCountByNumber,
	CategoryTransactionCount,
	CategoryTransactionReceipt,
	CategoryLogs,
	CategoryFeeHistory,
	CategoryFilter,
	CategoryGasPrice,
	CategoryNetworkFees,
	CategoryBlock,
	CategoryContract,
	CategoryContractResult,
	CategoryTinybarGasFee,
	CategoryResolveEntityType,
	CategorySyntheticLogTxHash,
	CategoryFilterID,
	CategoryExchangeRate,
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Common TTLs
const (
	HalfHour = 30 * time.Minute
	OneHour  = time.Hour
	OneDay   = 24 * time.Hour
)

// TTLTable maps each category to its time-to-live
type TTLTable map[Category]time.Duration

// DefaultTTLs returns the stock TTL table. Volatile reads get sub-second to
// few-second TTLs; immutable data gets long TTLs that only bound memory.
func DefaultTTLs() TTLTable {
	return TTLTable{
		CategoryAccount:              OneHour,
		CategoryBlockNumber:          1000 * time.Millisecond,
		CategoryCall:                 200 * time.Millisecond,
		CategoryBalance:              1000 * time.Millisecond,
		CategoryBlockByHash:          OneHour,
		CategoryBlockByNumber:        OneHour,
		CategoryBlockTxCountByHash:   OneHour,
		CategoryBlockTxCountByNumber: OneHour,
		CategoryTransactionCount:     500 * time.Millisecond,
		CategoryTransactionReceipt:   OneHour,
		CategoryLogs:                 OneHour,
		CategoryFeeHistory:           2000 * time.Millisecond,
		CategoryFilter:               1000 * time.Millisecond,
		CategoryGasPrice:             2000 * time.Millisecond,
		CategoryNetworkFees:          HalfHour,
		CategoryBlock:                OneHour,
		CategoryContract:             OneHour,
		CategoryContractResult:       OneHour,
		CategoryTinybarGasFee:        HalfHour,
		CategoryResolveEntityType:    OneHour,
		CategorySyntheticLogTxHash:   OneDay,
		CategoryFilterID:             5 * time.Minute,
		CategoryExchangeRate:         HalfHour,
	}
}

// Merge returns a copy of t with overrides applied
func (t TTLTable) Merge(overrides map[Category]time.Duration) TTLTable {
	out := make(TTLTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate rejects unknown categories and non-positive TTLs
func (t TTLTable) Validate() error {
	for cat, ttl := range t {
		if !cat.Valid() {
			return fmt.Errorf("unknown cache category %q", cat)
		}
		if ttl <= 0 {
			return fmt.Errorf("cache ttl for %q must be positive, got %s", cat, ttl)
		}
	}
	return nil
}

// Cache defines the response cache used by the request path.
// Implementations: Store (sharded LRU) and NoopCache.
type Cache interface {
	// Get returns the value stored under the category and key parts if it
	// has not outlived the category TTL
	Get(cat Category, parts ...string) ([]byte, bool)

	// Put stores a successful result
	Put(cat Category, value []byte, parts ...string)

	// Invalidate removes every entry of cat whose key parts start with prefix
	Invalidate(cat Category, prefix ...string) int

	// Len returns the number of physically stored entries
	Len() int

	// Close releases any resources held by the cache
	Close()
}

// Hooks receive cache events, typically for metrics
type Hooks struct {
	OnHit   func(cat Category)
	OnMiss  func(cat Category)
	OnStore func(cat Category)
	OnEvict func(cat Category, expired bool)
}
