package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ledgerrelay/internal/jsonrpc"
	"ledgerrelay/internal/proxy"
)

// Client represents a WebSocket client connection
type Client struct {
	conn       *websocket.Conn
	identity   string
	dispatcher *proxy.Dispatcher
	limiter    *rate.Limiter
	logger     zerolog.Logger

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, identity string, dispatcher *proxy.Dispatcher, opts Options, logger zerolog.Logger) *Client {
	return &Client{
		conn:       conn,
		identity:   identity,
		dispatcher: dispatcher,
		limiter:    opts.limiter(),
		logger:     logger,
		sendChan:   make(chan []byte, sendBuffer),
		closeChan:  make(chan struct{}),
	}
}

// Run starts the client read and write loops
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump(ctx)

	c.readPump(ctx)
}

// readPump reads messages from the WebSocket connection. Messages are
// handled in order, one at a time.
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn().Str("identity", c.identity).Msg("message rate exceeded")
			c.sendError(jsonrpc.NewIDNull(), errMessageRate)
			continue
		}

		c.handleMessage(ctx, data)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		c.sendError(jsonrpc.NewIDNull(), jsonrpc.ErrParse)
		return
	}

	for _, req := range requests {
		if err := req.Validate(); err != nil {
			c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
			return
		}
	}

	if !isBatch {
		req := requests[0]
		if isSubscription(req.Method) {
			c.sendError(req.ID, errSubscriptions)
			return
		}
		c.sendResponse(c.dispatcher.Dispatch(ctx, c.identity, proxy.TransportWS, req))
		return
	}

	responses := make([]*jsonrpc.Response, len(requests))
	forward := make([]*jsonrpc.Request, 0, len(requests))
	indices := make([]int, 0, len(requests))
	for i, req := range requests {
		if isSubscription(req.Method) {
			responses[i] = jsonrpc.NewErrorResponse(req.ID, errSubscriptions)
			continue
		}
		forward = append(forward, req)
		indices = append(indices, i)
	}
	if len(forward) > 0 {
		for j, resp := range c.dispatcher.DispatchBatch(ctx, c.identity, proxy.TransportWS, forward) {
			responses[indices[j]] = resp
		}
	}
	c.sendBatchResponse(responses)
}

func isSubscription(method string) bool {
	return method == "eth_subscribe" || method == "eth_unsubscribe"
}

// sendResponse sends a JSON-RPC response
func (c *Client) sendResponse(resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}
	c.send(data)
}

// sendBatchResponse sends a batch of JSON-RPC responses
func (c *Client) sendBatchResponse(responses []*jsonrpc.Response) {
	data, err := jsonrpc.MarshalBatchResponse(responses)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal batch response")
		return
	}
	c.send(data)
}

// sendError sends a JSON-RPC error response
func (c *Client) sendError(id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	c.sendResponse(jsonrpc.NewErrorResponse(id, rpcErr))
}

// send queues data for the write loop
func (c *Client) send(data []byte) {
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	default:
		c.logger.Warn().Msg("send channel full, dropping message")
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
