package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeit/server/internal/metrics"
	"github.com/codeit/server/internal/models"
	"github.com/codeit/server/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20

	handlerTimeout = 10 * time.Second
	cleanupTimeout = 10 * time.Second
)

// ServeWs upgrades the request and starts the connection's pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	conn, err := h.upgrader.Upgrade(w, r, h.joinBudgetHeader(r.Context(), ip))
	if err != nil {
		h.pumps.Done()
		h.log.Warn().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}

	client := h.Register(conn, ip)
	if h.isClosing() {
		// registered after Shutdown collected the open connections
		conn.Close()
	}

	go h.WritePump(client)
	go func() {
		defer h.pumps.Done()
		h.ReadPump(client)
	}()
}

// joinBudgetHeader tells the client how many joins it has left in the
// current window. It is nil when join limiting is off.
func (h *Hub) joinBudgetHeader(ctx context.Context, ip string) http.Header {
	if !h.joins.Enabled() {
		return nil
	}
	remaining, err := h.joins.RemainingJoins(ctx, ip)
	if err != nil {
		h.log.Debug().Err(err).Str("ip", ip).Msg("Join budget unavailable")
		return nil
	}
	return http.Header{
		"X-RateLimit-Limit":     []string{strconv.Itoa(h.joins.JoinLimit())},
		"X-RateLimit-Remaining": []string{strconv.Itoa(remaining)},
	}
}

// WritePump handles writing messages to the WebSocket
func (h *Hub) WritePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump handles reading messages from the WebSocket. Disconnect cleanup
// runs once the loop exits, whatever the cause.
func (h *Hub) ReadPump(client *Client) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		h.disconnect(ctx, client)
		h.Unregister(ctx, client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("conn", client.ID).Msg("WebSocket error")
			}
			break
		}

		if !h.dispatch(client, message) {
			break
		}
	}
}

// dispatch decodes one frame and hands it to the handler. It reports false
// when the handler panicked and the connection should be dropped.
func (h *Hub) dispatch(client *Client, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("conn", client.ID).Msg("Recovered from handler panic")
			ok = false
		}
	}()

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		h.log.Debug().Err(err).Str("conn", client.ID).Msg("Dropping malformed frame")
		return true
	}

	if !client.limiter.Allow() {
		metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
		// one error per throttled streak, not one per dropped frame
		if !client.throttled {
			client.throttled = true
			h.sendError(context.Background(), client.ID, msg.Type, ratelimit.ErrRateLimited.Error())
		}
		return true
	}
	client.throttled = false

	handler := h.getHandler()
	if handler == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if msg.Type == models.EventJoin {
		if err := h.joins.CheckJoin(ctx, client.IP); err != nil {
			metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
			h.sendError(ctx, client.ID, msg.Type, err.Error())
			return true
		}
	}

	handler.HandleMessage(ctx, client.ID, msg)
	return true
}

func (h *Hub) disconnect(ctx context.Context, client *Client) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("conn", client.ID).Msg("Recovered from disconnect panic")
		}
	}()

	if handler := h.getHandler(); handler != nil {
		handler.HandleDisconnect(ctx, client.ID)
	}
}

func (h *Hub) sendError(ctx context.Context, connID, event, message string) {
	msg, err := models.NewMessage(models.EventError, models.ErrorPayload{Event: event, Message: message})
	if err != nil {
		return
	}
	h.ToConn(ctx, connID, msg)
}
