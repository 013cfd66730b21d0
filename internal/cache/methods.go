package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"ledgerrelay/internal/blockparam"
)

// keyRule describes how a method's params become key parts
type keyRule int

const (
	// keyNone - the method takes no discriminating params
	keyNone keyRule = iota
	// keyParams - each of the first n params becomes one key part
	keyParams
	// keyHash - the whole normalized params list is hashed into one part
	keyHash
)

// methodRule maps a cacheable JSON-RPC method to its category
type methodRule struct {
	category Category
	key      keyRule
	// parts is the number of leading params used by keyParams
	parts int
	// defaults fill missing trailing params, e.g. the implicit "latest" block
	defaults []string
	// concreteBlock requires the block param to be a number or hash
	concreteBlock bool
	// concreteRange requires an eth_getLogs style filter with a fixed range
	concreteRange bool
}

var methodRules = map[string]methodRule{
	"eth_blockNumber": {category: CategoryBlockNumber, key: keyNone},
	"eth_gasPrice":    {category: CategoryGasPrice, key: keyNone},

	// volatile state reads; the short TTL bounds staleness for "latest"
	"eth_call":                {category: CategoryCall, key: keyHash},
	"eth_getBalance":          {category: CategoryBalance, key: keyParams, parts: 2, defaults: []string{"", "latest"}},
	"eth_getTransactionCount": {category: CategoryTransactionCount, key: keyParams, parts: 2, defaults: []string{"", "latest"}},
	"eth_feeHistory":          {category: CategoryFeeHistory, key: keyHash},
	"eth_getFilterLogs":       {category: CategoryFilter, key: keyParams, parts: 1},

	// immutable once produced
	"eth_getBlockByHash":                   {category: CategoryBlockByHash, key: keyParams, parts: 2, defaults: []string{"", "false"}},
	"eth_getBlockTransactionCountByHash":   {category: CategoryBlockTxCountByHash, key: keyParams, parts: 1},
	"eth_getTransactionReceipt":            {category: CategoryTransactionReceipt, key: keyParams, parts: 1},
	"eth_getTransactionByHash":             {category: CategoryContractResult, key: keyParams, parts: 1},
	"eth_getCode":                          {category: CategoryContract, key: keyParams, parts: 2, defaults: []string{"", "latest"}},
	"eth_getBlockByNumber":                 {category: CategoryBlockByNumber, key: keyParams, parts: 2, defaults: []string{"", "false"}, concreteBlock: true},
	"eth_getBlockTransactionCountByNumber": {category: CategoryBlockTxCountByNumber, key: keyParams, parts: 1, concreteBlock: true},
	"eth_getLogs":                          {category: CategoryLogs, key: keyHash, concreteRange: true},
}

// Resolve maps a JSON-RPC call to its cache category and key parts. ok is
// false when the call must not be served from cache.
func Resolve(method string, params json.RawMessage) (Category, []string, bool) {
	rule, exists := methodRules[method]
	if !exists {
		return "", nil, false
	}
	if rule.concreteBlock && !blockparam.IsConcrete(method, params) {
		return "", nil, false
	}
	if rule.concreteRange && !blockparam.RangeIsConcrete(params) {
		return "", nil, false
	}

	switch rule.key {
	case keyNone:
		return rule.category, nil, true
	case keyHash:
		return rule.category, []string{hashParams(params)}, true
	case keyParams:
		parts, ok := paramParts(params, rule.parts, rule.defaults)
		if !ok {
			return "", nil, false
		}
		return rule.category, parts, true
	default:
		return "", nil, false
	}
}

// Invalidation names cache entries made wrong by a successful call
type Invalidation struct {
	Category Category
	Prefix   []string
}

// InvalidationsFor returns what must be dropped after method succeeds
func InvalidationsFor(method string, params json.RawMessage) []Invalidation {
	switch method {
	case "eth_uninstallFilter":
		parts, ok := paramParts(params, 1, nil)
		if !ok {
			return nil
		}
		return []Invalidation{
			{Category: CategoryFilter, Prefix: parts},
			{Category: CategoryFilterID, Prefix: parts},
		}
	default:
		return nil
	}
}

// paramParts turns the first n params into normalized key parts
func paramParts(params json.RawMessage, n int, defaults []string) ([]string, bool) {
	var arr []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &arr); err != nil {
			return nil, false
		}
	}

	parts := make([]string, n)
	for i := 0; i < n; i++ {
		if i < len(arr) {
			parts[i] = normalizePart(arr[i])
			continue
		}
		if i < len(defaults) && defaults[i] != "" {
			parts[i] = defaults[i]
			continue
		}
		return nil, false
	}
	return parts, true
}

func normalizePart(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	out, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// hashParams returns a short stable hash of the normalized params
func hashParams(params json.RawMessage) string {
	hash := sha256.Sum256(normalizeParams(params))
	return hex.EncodeToString(hash[:8])
}

// normalizeParams normalizes JSON params for consistent hashing
func normalizeParams(params json.RawMessage) []byte {
	if len(params) == 0 {
		return []byte("[]")
	}

	var data interface{}
	if err := json.Unmarshal(params, &data); err != nil {
		return params
	}

	result, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return params
	}
	return result
}

// normalizeValue lowercases strings (hex addresses and hashes) recursively.
// encoding/json already emits map keys in sorted order.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		result := make(map[string]interface{}, len(val))
		for _, k := range keys {
			result[k] = normalizeValue(val[k])
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = normalizeValue(item)
		}
		return result
	case string:
		return strings.ToLower(val)
	default:
		return val
	}
}
