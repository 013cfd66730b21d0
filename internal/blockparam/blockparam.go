package blockparam

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DynamicBlockTags are block tags whose meaning moves with the chain head
var DynamicBlockTags = map[string]bool{
	"latest":    true,
	"pending":   true,
	"earliest":  true,
	"safe":      true,
	"finalized": true,
}

// Index returns the position of the block parameter for a method, or -1
func Index(method string) int {
	switch method {
	case "eth_getBlockByNumber",
		"eth_getBlockTransactionCountByNumber",
		"eth_getTransactionByBlockNumberAndIndex",
		"eth_getBlockReceipts":
		return 0
	case "eth_getCode", "eth_getBalance", "eth_getTransactionCount", "eth_call", "debug_traceCall":
		return 1
	case "eth_getStorageAt":
		return 2
	default:
		return -1
	}
}

// IsDynamic reports whether param is a block tag (or an object carrying one)
// rather than a concrete number or hash. Unparseable params count as dynamic.
func IsDynamic(param json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(param, &s); err == nil {
		return DynamicBlockTags[strings.ToLower(s)]
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(param, &obj); err != nil {
		return true
	}
	for _, field := range []string{"blockNumber", "blockHash"} {
		if v, ok := obj[field].(string); ok {
			return DynamicBlockTags[strings.ToLower(v)]
		}
	}
	return true
}

// Param returns the raw block parameter of a call and whether it was present
func Param(method string, params json.RawMessage) (json.RawMessage, bool) {
	idx := Index(method)
	if idx < 0 || len(params) == 0 {
		return nil, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || idx >= len(arr) {
		return nil, false
	}
	return arr[idx], true
}

// IsConcrete reports whether the call pins a specific block. Calls without a
// block parameter default to latest and are not concrete.
func IsConcrete(method string, params json.RawMessage) bool {
	p, ok := Param(method, params)
	if !ok {
		return false
	}
	return !IsDynamic(p)
}

// RangeIsConcrete reports whether an eth_getLogs style filter pins both ends
// of its block range, or selects a single block by hash
func RangeIsConcrete(params json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return false
	}
	var filter map[string]interface{}
	if err := json.Unmarshal(arr[0], &filter); err != nil {
		return false
	}
	if _, ok := filter["blockHash"].(string); ok {
		return true
	}
	for _, field := range []string{"fromBlock", "toBlock"} {
		v, ok := filter[field].(string)
		if !ok || DynamicBlockTags[strings.ToLower(v)] {
			return false
		}
	}
	return true
}

// RequestedBlock returns the concrete block number a call needs, so lagging
// upstreams can be skipped. For eth_getLogs it is the upper end of the range.
func RequestedBlock(method string, params json.RawMessage) (uint64, bool) {
	if method == "eth_getLogs" {
		return requestedRangeEnd(params)
	}
	p, ok := Param(method, params)
	if !ok || IsDynamic(p) {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(p, &s); err != nil {
		var obj map[string]interface{}
		if err := json.Unmarshal(p, &obj); err != nil {
			return 0, false
		}
		s, _ = obj["blockNumber"].(string)
	}
	n, err := ParseQuantity(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func requestedRangeEnd(params json.RawMessage) (uint64, bool) {
	if !RangeIsConcrete(params) {
		return 0, false
	}
	var arr []map[string]interface{}
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return 0, false
	}
	var max uint64
	found := false
	for _, field := range []string{"fromBlock", "toBlock"} {
		s, _ := arr[0][field].(string)
		if n, err := ParseQuantity(s); err == nil {
			found = true
			if n > max {
				max = n
			}
		}
	}
	return max, found
}

// ParseQuantity parses a 0x-prefixed hex quantity such as a block number
func ParseQuantity(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}
