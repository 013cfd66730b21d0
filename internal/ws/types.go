package ws

import (
	"time"

	"golang.org/x/time/rate"

	"ledgerrelay/internal/config"
	"ledgerrelay/internal/jsonrpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024 * 1024 // 10MB
	sendBuffer     = 256
)

// Options configures every client connection
type Options struct {
	// MessageRate is the sustained number of frames per second a connection
	// may send; zero disables the guard
	MessageRate  float64
	MessageBurst int
}

// OptionsFromConfig extracts the WebSocket options from config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MessageRate:  cfg.WSMessageRate,
		MessageBurst: cfg.WSMessageBurst,
	}
}

func (o Options) limiter() *rate.Limiter {
	if o.MessageRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.MessageBurst
	if burst <= 0 {
		burst = int(o.MessageRate) + 1
	}
	return rate.NewLimiter(rate.Limit(o.MessageRate), burst)
}

var (
	errMessageRate   = jsonrpc.NewError(jsonrpc.CodeServerError, "websocket message rate exceeded")
	errSubscriptions = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "subscriptions are not supported")
)
