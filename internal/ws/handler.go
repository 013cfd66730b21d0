package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ledgerrelay/internal/proxy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Handler handles WebSocket connections
type Handler struct {
	dispatcher *proxy.Dispatcher
	opts       Options
	logger     zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(dispatcher *proxy.Dispatcher, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP upgrades the connection and serves it until it closes. The
// identity is fixed at upgrade time.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := proxy.ClientIdentity(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.logger.Info().
		Str("remoteAddr", r.RemoteAddr).
		Msg("new WebSocket connection")

	client := NewClient(conn, identity, h.dispatcher, h.opts, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	client.Run(r.Context())
}
