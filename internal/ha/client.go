// Package ha is a Home Assistant WebSocket API client. It keeps an entity
// state cache that is filled on connect and kept current from state_changed
// events, so readers do not need a round trip per entity.
package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("not connected to Home Assistant")
	ErrAuthInvalid  = errors.New("authentication failed: invalid token")
)

// DefaultRequestTimeout bounds a request when the caller's context has no
// deadline.
const DefaultRequestTimeout = 10 * time.Second

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Ping(ctx context.Context) error
	GetStates(ctx context.Context) ([]State, error)
	CachedState(entityID string) (State, bool)
	CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error
}

// Client implements HAClient interface
type Client struct {
	url    string
	token  string
	logger *zap.Logger
	dialer *websocket.Dialer

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
	writeMu   sync.Mutex

	msgID     atomic.Int64
	pending   map[int]chan Message
	pendingMu sync.Mutex

	statesMu sync.RWMutex
	states   map[string]State
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:     url,
		token:   token,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: DefaultRequestTimeout},
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]chan Message),
		states:  make(map[string]State),
	}
}

// Connect establishes the WebSocket connection, authenticates, subscribes
// to state changes and fills the state cache.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return errors.New("already connected")
	}

	conn, err := c.handshake(ctx)
	if err != nil {
		c.connMu.Unlock()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	go c.receiveMessages(c.ctx, conn)
	c.connMu.Unlock()

	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))

	id := c.nextMsgID()
	if _, err := c.send(ctx, id, &SubscribeEventsRequest{
		ID:        id,
		Type:      "subscribe_events",
		EventType: "state_changed",
	}); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	if _, err := c.GetStates(ctx); err != nil {
		c.logger.Warn("Failed to load initial states", zap.Error(err))
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	fail := func(err error) (*websocket.Conn, error) {
		conn.Close()
		return nil, err
	}

	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fail(fmt.Errorf("failed to read auth_required: %w", err))
	}
	if authRequired.Type != "auth_required" {
		return fail(fmt.Errorf("expected auth_required, got %s", authRequired.Type))
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fail(fmt.Errorf("failed to send auth: %w", err))
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fail(fmt.Errorf("failed to read auth response: %w", err))
	}
	switch authResponse.Type {
	case "auth_ok":
	case "auth_invalid":
		return fail(ErrAuthInvalid)
	default:
		return fail(fmt.Errorf("expected auth_ok, got %s", authResponse.Type))
	}

	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// Disconnect closes the WebSocket connection and stops reconnecting
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	return int(c.msgID.Add(1))
}

// send writes a request and waits for the response with the same id.
func (c *Client) send(ctx context.Context, id int, msg any) (*Message, error) {
	c.connMu.RLock()
	conn, connected, lifetime := c.conn, c.connected, c.ctx
	c.connMu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, errors.New("request failed")
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for response: %w", ctx.Err())
	case <-lifetime.Done():
		return nil, ErrNotConnected
	}
}

// receiveMessages routes responses and applies state_changed events to
// the cache until the connection fails or is closed.
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.statesMu.Lock()
	if data.NewState == nil {
		delete(c.states, data.EntityID)
	} else {
		c.states[data.EntityID] = *data.NewState
	}
	c.statesMu.Unlock()
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.cancel()
	reconnect := c.reconnect
	c.connMu.Unlock()
	conn.Close()

	c.logger.Warn("Connection lost")
	if reconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		stop := !c.reconnect || c.connected
		c.connMu.RUnlock()
		if stop {
			return
		}

		c.logger.Info("Attempting to reconnect...")
		ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// Ping checks the connection with a websocket-level ping.
func (c *Client) Ping(ctx context.Context) error {
	id := c.nextMsgID()
	resp, err := c.send(ctx, id, &PingRequest{ID: id, Type: "ping"})
	if err != nil {
		return err
	}
	if resp.Type != "pong" {
		return fmt.Errorf("expected pong, got %s", resp.Type)
	}
	return nil
}

// GetStates fetches every entity state and replaces the cache with it.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	id := c.nextMsgID()
	resp, err := c.send(ctx, id, &GetStatesRequest{ID: id, Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	fresh := make(map[string]State, len(states))
	for _, s := range states {
		fresh[s.EntityID] = s
	}
	c.statesMu.Lock()
	c.states = fresh
	c.statesMu.Unlock()
	return states, nil
}

// CachedState returns the last known state of an entity.
func (c *Client) CachedState(entityID string) (State, bool) {
	c.statesMu.RLock()
	defer c.statesMu.RUnlock()
	s, ok := c.states[entityID]
	return s, ok
}

// CallService calls a Home Assistant service, targeting entityID when set.
func (c *Client) CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	id := c.nextMsgID()
	req := &CallServiceRequest{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}
	if entityID != "" {
		req.Target = &ServiceTarget{EntityID: []string{entityID}}
	}

	_, err := c.send(ctx, id, req)
	return err
}
