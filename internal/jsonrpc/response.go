package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != nil
}

// IsSuccess returns true if the response is successful
func (r *Response) IsSuccess() bool {
	return r.Error == nil
}

// ResultIsNull returns true if the response result is JSON null
func (r *Response) ResultIsNull() bool {
	if r == nil {
		return true
	}
	if len(r.Result) == 0 {
		return true
	}
	return bytes.Equal(r.Result, []byte("null"))
}

// NewResponse creates a successful response
func NewResponse(id ID, result interface{}) (*Response, error) {
	resp := &Response{
		JSONRPC: Version,
		ID:      id,
	}

	if result != nil {
		resultBytes, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = resultBytes
	}

	return resp, nil
}

// NewResponseRaw creates a response with raw JSON result
func NewResponseRaw(id ID, result json.RawMessage) *Response {
	return &Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   err,
		ID:      id,
	}
}

// ParseResponse parses a JSON-RPC response from bytes
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Bytes returns the response as JSON bytes
func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// nonRetryableMessages mark execution errors that every upstream would repeat
var nonRetryableMessages = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
}

// IsRetryableError checks if the error is retryable. Client errors and
// execution errors are final; everything else may succeed on another upstream.
func (r *Response) IsRetryableError() bool {
	if r.Error == nil {
		return false
	}

	switch r.Error.Code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return false
	}

	msg := strings.ToLower(r.Error.Message)
	for _, m := range nonRetryableMessages {
		if strings.Contains(msg, m) {
			return false
		}
	}
	return true
}

// MarshalBatchResponse marshals multiple responses as a JSON array
func MarshalBatchResponse(responses []*Response) ([]byte, error) {
	return json.Marshal(responses)
}
