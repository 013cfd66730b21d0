package proxy

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"ledgerrelay/internal/jsonrpc"
)

// Handler handles HTTP JSON-RPC requests
type Handler struct {
	dispatcher  *Dispatcher
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(dispatcher *Dispatcher, maxBodySize int64, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		maxBodySize: maxBodySize,
		logger:      logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}

	requests, isBatch, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		h.writeJSONRPCError(w, jsonrpc.NewIDNull(), jsonrpc.ErrParse)
		return
	}

	for _, req := range requests {
		if err := req.Validate(); err != nil {
			h.writeJSONRPCError(w, req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
			return
		}
	}

	identity := ClientIdentity(r)
	if isBatch {
		h.writeBatchResponse(w, h.dispatcher.DispatchBatch(r.Context(), identity, TransportHTTP, requests))
		return
	}
	h.writeResponse(w, h.dispatcher.Dispatch(r.Context(), identity, TransportHTTP, requests[0]))
}

var (
	errReadBody     = errors.New("failed to read request body")
	errBodyTooLarge = errors.New("request body too large")
)

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if h.maxBodySize <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errReadBody
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, errReadBody
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// writeResponse writes a JSON-RPC response
func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// writeBatchResponse writes a batch of JSON-RPC responses
func (h *Handler) writeBatchResponse(w http.ResponseWriter, responses []*jsonrpc.Response) {
	data, err := jsonrpc.MarshalBatchResponse(responses)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal batch response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// writeJSONRPCError writes a JSON-RPC error response
func (h *Handler) writeJSONRPCError(w http.ResponseWriter, id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	h.writeResponse(w, jsonrpc.NewErrorResponse(id, rpcErr))
}

// writeError writes a plain HTTP error
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
