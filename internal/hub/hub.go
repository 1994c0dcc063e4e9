// Package hub owns this instance's websocket connections and their room
// groups. Room membership is mirrored into the shared store so any instance
// can answer "who is in this room", and every emission is relayed to the
// other instances over the bus.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/metrics"
	"github.com/codeit/server/internal/models"
	"github.com/codeit/server/internal/ratelimit"
	"github.com/codeit/server/internal/relay"
	"github.com/codeit/server/internal/state"
)

const (
	// MembersTTL bounds how long a crashed instance's entries can linger.
	// Live instances extend it on every heartbeat.
	MembersTTL = 24 * time.Hour

	HeartbeatTTL      = 30 * time.Second
	HeartbeatInterval = 10 * time.Second

	sendQueueSize = 256
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrShuttingDown      = errors.New("hub is shutting down")
)

// Handler receives decoded client events. Calls for one connection are made
// sequentially from its read loop.
type Handler interface {
	HandleMessage(ctx context.Context, connID string, msg models.Message)
	HandleDisconnect(ctx context.Context, connID string)
}

// Refresher is implemented by handlers that keep their own shared state alive
// on each heartbeat.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Client is one websocket connection held by this instance.
type Client struct {
	ID   string
	IP   string
	Conn *websocket.Conn
	Send chan []byte

	limiter   *ratelimit.Bucket
	throttled bool                // touched only by the read loop
	rooms     map[string]struct{} // guarded by Hub.mu
}

// Option configures a Hub.
type Option func(*Hub)

// WithOriginCheck restricts websocket upgrades to origins accepted by fn.
func WithOriginCheck(fn func(origin string) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || fn(origin)
		}
	}
}

// Hub tracks this instance's connections and relays room traffic between
// instances.
type Hub struct {
	instanceID string
	store      state.Store
	bus        relay.Bus
	joins      *ratelimit.Limiter
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	closing bool

	// pumps counts read loops whose disconnect cleanup has not finished.
	pumps sync.WaitGroup
}

// New creates a hub for one instance. joins may be nil to disable join rate
// limiting.
func New(instanceID string, store state.Store, bus relay.Bus, joins *ratelimit.Limiter, opts ...Option) *Hub {
	h := &Hub{
		instanceID: instanceID,
		store:      store,
		bus:        bus,
		joins:      joins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:     logger.For("hub"),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InstanceID returns the id this hub stamps on relayed envelopes.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// SetHandler installs the receiver of client events.
func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

func (h *Hub) getHandler() Handler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

func membersKey(roomID string) string {
	return fmt.Sprintf("room:%s:members", roomID)
}

func instanceKey(instanceID string) string {
	return fmt.Sprintf("instance:%s", instanceID)
}

// Start subscribes to the relay and keeps this instance's heartbeat alive
// until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, h.onEnvelope); err != nil {
		return fmt.Errorf("failed to subscribe to relay: %w", err)
	}
	if err := h.beat(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Initial heartbeat failed")
	}
	go h.heartbeat(ctx)

	h.log.Info().Str("instance", h.instanceID).Msg("Hub started")
	return nil
}

func (h *Hub) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(ctx); err != nil {
				h.log.Warn().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// beat marks this instance alive and extends the shared state its
// connections depend on.
func (h *Hub) beat(ctx context.Context) error {
	if err := h.store.Set(ctx, instanceKey(h.instanceID), time.Now().UTC().Format(time.RFC3339), HeartbeatTTL); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}

	var errs []error
	for roomID, connIDs := range h.localRooms() {
		if err := h.refreshMembers(ctx, roomID, connIDs); err != nil {
			errs = append(errs, err)
		}
	}
	if r, ok := h.getHandler().(Refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) localRooms() map[string][]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string][]string, len(h.rooms))
	for roomID, members := range h.rooms {
		for connID := range members {
			rooms[roomID] = append(rooms[roomID], connID)
		}
	}
	return rooms
}

// refreshMembers extends a room's membership hash. If the hash is already
// gone, this instance's entries are written back.
func (h *Hub) refreshMembers(ctx context.Context, roomID string, connIDs []string) error {
	ok, err := h.store.Expire(ctx, membersKey(roomID), MembersTTL)
	if err != nil {
		return fmt.Errorf("failed to refresh members of room %s: %w", roomID, err)
	}
	if ok {
		return nil
	}

	for _, connID := range connIDs {
		if err := h.store.HSet(ctx, membersKey(roomID), connID, h.instanceID, MembersTTL); err != nil {
			return fmt.Errorf("failed to restore members of room %s: %w", roomID, err)
		}
	}

	// drop entries for connections that left while they were being restored
	h.mu.RLock()
	var departed []string
	for _, connID := range connIDs {
		if _, ok := h.rooms[roomID][connID]; !ok {
			departed = append(departed, connID)
		}
	}
	h.mu.RUnlock()
	if err := h.store.HDel(ctx, membersKey(roomID), departed...); err != nil {
		return fmt.Errorf("failed to restore members of room %s: %w", roomID, err)
	}

	h.log.Info().Str("room", roomID).Int("count", len(connIDs)-len(departed)).Msg("Restored expired room membership")
	return nil
}

// Register adds a connection and assigns it a fresh id. conn may be nil for
// connections that are driven directly through the Handler.
func (h *Hub) Register(conn *websocket.Conn, ip string) *Client {
	client := &Client{
		ID:      uuid.New().String(),
		IP:      ip,
		Conn:    conn,
		Send:    make(chan []byte, sendQueueSize),
		limiter: ratelimit.NewBucket(ratelimit.DefaultMessageRate, ratelimit.DefaultMessageBurst),
		rooms:   make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.log.Debug().Str("conn", client.ID).Str("ip", ip).Msg("Client registered")
	return client
}

// Unregister drops whatever room groups the connection still holds and
// closes its send queue.
func (h *Hub) Unregister(ctx context.Context, client *Client) {
	if rooms, err := h.LeaveAll(ctx, client.ID); err != nil {
		h.log.Warn().Err(err).Str("conn", client.ID).Strs("rooms", rooms).Msg("Failed to clear membership")
	}

	h.mu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		metrics.Connections.Dec()
	}
	h.mu.Unlock()

	h.log.Debug().Str("conn", client.ID).Msg("Client removed")
}

// JoinGroup adds a local connection to a room group.
func (h *Hub) JoinGroup(ctx context.Context, connID, roomID string) error {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connID] = client
	client.rooms[roomID] = struct{}{}
	h.mu.Unlock()

	if err := h.store.HSet(ctx, membersKey(roomID), connID, h.instanceID, MembersTTL); err != nil {
		h.mu.Lock()
		h.removeLocked(client, roomID)
		h.mu.Unlock()
		return fmt.Errorf("failed to record membership in room %s: %w", roomID, err)
	}
	return nil
}

// LeaveAll removes a connection from every room group and returns the rooms
// it was in.
func (h *Hub) LeaveAll(ctx context.Context, connID string) ([]string, error) {
	h.mu.Lock()
	var rooms []string
	if client, ok := h.clients[connID]; ok {
		for roomID := range client.rooms {
			rooms = append(rooms, roomID)
			h.removeLocked(client, roomID)
		}
	}
	h.mu.Unlock()
	sort.Strings(rooms)

	var errs []error
	for _, roomID := range rooms {
		if err := h.store.HDel(ctx, membersKey(roomID), connID); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear membership in room %s: %w", roomID, err))
		}
	}
	return rooms, errors.Join(errs...)
}

func (h *Hub) removeLocked(client *Client, roomID string) {
	delete(client.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// RoomsOf returns the rooms a local connection is in.
func (h *Hub) RoomsOf(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(client.rooms))
	for roomID := range client.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Members returns the live connections in a room across all instances. This
// instance's own connections come from the local registry; entries owned by
// instances whose heartbeat has expired are pruned.
func (h *Hub) Members(ctx context.Context, roomID string) ([]string, error) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	entries, err := h.store.HGetAll(ctx, membersKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list members of room %s: %w", roomID, err)
	}

	alive := map[string]bool{}
	var stale []string
	for connID, owner := range entries {
		if owner == h.instanceID {
			continue
		}
		live, seen := alive[owner]
		if !seen {
			live, err = h.store.Exists(ctx, instanceKey(owner))
			if err != nil {
				return nil, fmt.Errorf("failed to check instance %s: %w", owner, err)
			}
			alive[owner] = live
		}
		if live {
			ids = append(ids, connID)
		} else {
			stale = append(stale, connID)
		}
	}

	if len(stale) > 0 {
		if err := h.store.HDel(ctx, membersKey(roomID), stale...); err != nil {
			h.log.Warn().Err(err).Str("room", roomID).Msg("Failed to prune stale members")
		} else {
			h.log.Info().Str("room", roomID).Int("count", len(stale)).Msg("Pruned members of dead instances")
		}
	}

	sort.Strings(ids)
	return ids, nil
}

// ToRoom delivers msg to every member of a room except exclude, on every
// instance.
func (h *Hub) ToRoom(ctx context.Context, roomID string, msg models.Message, exclude string) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	h.deliverRoom(roomID, data, exclude)
	h.publish(ctx, relay.Envelope{
		Origin:  h.instanceID,
		Room:    roomID,
		Exclude: exclude,
		Data:    data,
	})
	return nil
}

// ToConn delivers msg to a single connection wherever it is held.
func (h *Hub) ToConn(ctx context.Context, connID string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}

	if h.deliverConn(connID, data) {
		return nil
	}
	h.publish(ctx, relay.Envelope{
		Origin: h.instanceID,
		Target: connID,
		Data:   data,
	})
	return nil
}

// publish failures are logged only; local delivery has already happened.
func (h *Hub) publish(ctx context.Context, env relay.Envelope) {
	if err := h.bus.Publish(ctx, env); err != nil {
		h.log.Warn().Err(err).Str("room", env.Room).Str("target", env.Target).Msg("Relay publish failed")
	}
}

func (h *Hub) onEnvelope(env relay.Envelope) {
	if env.Origin == h.instanceID {
		return
	}
	if env.Target != "" {
		h.deliverConn(env.Target, env.Data)
		return
	}
	h.deliverRoom(env.Room, env.Data, env.Exclude)
}

func (h *Hub) deliverRoom(roomID string, data []byte, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, client := range h.rooms[roomID] {
		if id == exclude {
			continue
		}
		h.enqueue(client, data)
	}
}

func (h *Hub) deliverConn(connID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return false
	}
	h.enqueue(client, data)
	return true
}

// enqueue must be called with h.mu held so Send cannot be closed underneath.
func (h *Hub) enqueue(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		metrics.SendDropped.Inc()
		h.log.Warn().Str("conn", client.ID).Msg("Client send channel full, dropping message")
	}
}

// track reserves a read loop slot. It reports false once Shutdown has begun.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.pumps.Add(1)
	return true
}

func (h *Hub) isClosing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closing
}

// Shutdown refuses new websockets, closes the open ones and waits until every
// read loop has finished its disconnect cleanup or ctx is done. The bus and
// store must stay open until it returns.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, client := range h.clients {
		if client.Conn != nil {
			conns = append(conns, client.Conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	h.log.Info().Int("connections", len(conns)).Msg("Closed client connections")

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Client cleanup finished")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for client cleanup: %w", ctx.Err())
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
