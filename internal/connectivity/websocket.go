package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

// Reconnect backoff bounds for the websocket monitor.
const (
	reconnectBase = 5 * time.Second
	reconnectCap  = 2 * time.Minute
)

// WebsocketMonitor derives connectivity from a server push channel: a live
// websocket to the notification endpoint means online, and every pushed
// message is an extra drain nudge. Losing the socket is the offline edge.
type WebsocketMonitor struct {
	url    string
	logger *slog.Logger

	online atomic.Bool
	events chan bool
}

// NewWebsocketMonitor creates a monitor for the given notification URL.
// Run must be called to start the connection loop.
func NewWebsocketMonitor(url string, logger *slog.Logger) *WebsocketMonitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &WebsocketMonitor{
		url:    url,
		logger: logger,
		events: make(chan bool, eventBuffer),
	}
}

// Online returns the current state.
func (m *WebsocketMonitor) Online() bool {
	return m.online.Load()
}

// Events returns the edge channel.
func (m *WebsocketMonitor) Events() <-chan bool {
	return m.events
}

// Run dials the notification endpoint and consumes push messages until ctx
// is canceled, reconnecting with exponential backoff after each drop.
func (m *WebsocketMonitor) Run(ctx context.Context) error {
	backoff := retry.WithCappedDuration(reconnectCap, retry.NewExponential(reconnectBase))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.connectAndListen(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		}

		m.setOnline(false)

		delay, _ := backoff.Next()
		m.logger.Debug("websocket monitor reconnecting",
			"error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndListen holds one websocket session: dial, mark online, then
// forward every push message as a drain nudge until the read fails.
func (m *WebsocketMonitor) connectAndListen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	m.logger.Info("notification channel connected", "url", m.url)
	m.setOnline(true)

	for {
		// Message contents are ignored: a push only means "the server has
		// news, attempt a drain now".
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}

		m.emit(true)
	}
}

// setOnline updates state and emits the edge only on an actual transition.
func (m *WebsocketMonitor) setOnline(online bool) {
	if m.online.Swap(online) != online {
		m.logger.Info("connectivity changed", "online", online)
		m.emit(online)
	}
}

// emit sends without blocking; a full buffer drops the nudge.
func (m *WebsocketMonitor) emit(online bool) {
	select {
	case m.events <- online:
	default:
	}
}

// Compile-time interface check.
var _ Monitor = (*WebsocketMonitor)(nil)
