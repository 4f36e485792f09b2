// Package testutil provides testing utilities for panel hub adapters. It
// contains a fake Home Assistant WebSocket server and helpers for checking
// the service calls an adapter made.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

type message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *haError        `json:"error,omitempty"`
	Event   *event          `json:"event,omitempty"`
}

type haError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

type request struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	AccessToken string         `json:"access_token"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
	Target      *struct {
		EntityID []string `json:"entity_id"`
	} `json:"target"`
}

// FakeHA simulates a Home Assistant WebSocket server on an httptest server.
// Services in the light, switch, fan and input_boolean domains change the
// targeted entity's state and broadcast state_changed like HA does.
type FakeHA struct {
	server *httptest.Server
	token  string

	statesMu sync.RWMutex
	states   map[string]*EntityState

	connsMu     sync.Mutex
	connections []*connWrapper

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	failing      map[string]string
}

// NewFakeHA starts a fake server accepting token.
func NewFakeHA(token string) *FakeHA {
	f := &FakeHA{
		token:   token,
		states:  make(map[string]*EntityState),
		failing: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", f.handleWebSocket)
	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the WebSocket API URL.
func (f *FakeHA) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/websocket"
}

// Close stops the server and drops every connection.
func (f *FakeHA) Close() {
	f.DropConnections()
	f.server.Close()
}

// DropConnections closes every client connection without stopping the
// server, so clients can reconnect.
func (f *FakeHA) DropConnections() {
	f.connsMu.Lock()
	defer f.connsMu.Unlock()
	for _, w := range f.connections {
		w.conn.Close()
	}
	f.connections = nil
}

// Connections returns the number of authenticated connections.
func (f *FakeHA) Connections() int {
	f.connsMu.Lock()
	defer f.connsMu.Unlock()
	return len(f.connections)
}

// SetState sets a state and broadcasts the change.
func (f *FakeHA) SetState(entityID, state string, attributes map[string]any) {
	f.statesMu.Lock()
	old := f.states[entityID]
	now := time.Now()
	if attributes == nil && old != nil {
		attributes = old.Attributes
	}
	next := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	f.states[entityID] = next
	f.statesMu.Unlock()

	f.broadcastStateChange(entityID, old, next)
}

// GetState returns the server-side state of an entity.
func (f *FakeHA) GetState(entityID string) *EntityState {
	f.statesMu.RLock()
	defer f.statesMu.RUnlock()
	return f.states[entityID]
}

// FailService makes every call to domain.service fail with message.
func (f *FakeHA) FailService(domain, service, message string) {
	f.callsMu.Lock()
	defer f.callsMu.Unlock()
	f.failing[domain+"."+service] = message
}

// ServiceCalls returns all service calls received so far.
func (f *FakeHA) ServiceCalls() []ServiceCall {
	f.callsMu.Lock()
	defer f.callsMu.Unlock()
	return append([]ServiceCall(nil), f.serviceCalls...)
}

func (f *FakeHA) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer func() {
		f.connsMu.Lock()
		for i, c := range f.connections {
			if c == wrapper {
				f.connections = append(f.connections[:i], f.connections[i+1:]...)
				break
			}
		}
		f.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(message{Type: "auth_required"})
	var auth request
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != f.token {
		wrapper.write(message{Type: "auth_invalid"})
		return
	}
	wrapper.write(message{Type: "auth_ok"})

	f.connsMu.Lock()
	f.connections = append(f.connections, wrapper)
	f.connsMu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Type {
		case "ping":
			wrapper.write(message{ID: req.ID, Type: "pong"})
		case "subscribe_events":
			wrapper.write(result(req.ID, nil))
		case "get_states":
			f.statesMu.RLock()
			states := make([]*EntityState, 0, len(f.states))
			for _, s := range f.states {
				states = append(states, s)
			}
			f.statesMu.RUnlock()
			raw, _ := json.Marshal(states)
			wrapper.write(result(req.ID, raw))
		case "call_service":
			wrapper.write(f.handleCallService(req))
		default:
			wrapper.write(failure(req.ID, "unknown_command", "Unknown command."))
		}
	}
}

func (f *FakeHA) handleCallService(req request) message {
	entityID, _ := req.ServiceData["entity_id"].(string)
	if req.Target != nil && len(req.Target.EntityID) > 0 {
		entityID = req.Target.EntityID[0]
	}

	f.callsMu.Lock()
	f.serviceCalls = append(f.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		EntityID:    entityID,
		ServiceData: req.ServiceData,
	})
	msg, fail := f.failing[req.Domain+"."+req.Service]
	f.callsMu.Unlock()
	if fail {
		return failure(req.ID, "home_assistant_error", msg)
	}

	if entityID != "" && f.GetState(entityID) != nil {
		switch req.Domain {
		case "light", "switch", "fan", "input_boolean":
			attrs := copyAttrs(f.GetState(entityID).Attributes)
			switch req.Service {
			case "turn_on":
				if pct, ok := req.ServiceData["percentage"]; ok {
					attrs["percentage"] = pct
				}
				f.SetState(entityID, "on", attrs)
			case "turn_off":
				if req.Domain == "fan" {
					attrs["percentage"] = 0
				}
				f.SetState(entityID, "off", attrs)
			case "set_percentage":
				attrs["percentage"] = req.ServiceData["percentage"]
				state := "on"
				if pct, _ := req.ServiceData["percentage"].(float64); pct == 0 {
					state = "off"
				}
				f.SetState(entityID, state, attrs)
			}
		}
	}
	return result(req.ID, nil)
}

func (f *FakeHA) broadcastStateChange(entityID string, old, next *EntityState) {
	data, _ := json.Marshal(map[string]any{
		"entity_id": entityID,
		"old_state": old,
		"new_state": next,
	})
	msg := message{
		Type:  "event",
		Event: &event{EventType: "state_changed", Data: data, TimeFired: time.Now()},
	}

	f.connsMu.Lock()
	wrappers := append([]*connWrapper(nil), f.connections...)
	f.connsMu.Unlock()
	for _, w := range wrappers {
		w.write(msg)
	}
}

func result(id int, raw json.RawMessage) message {
	ok := true
	return message{ID: id, Type: "result", Success: &ok, Result: raw}
}

func failure(id int, code, msg string) message {
	ok := false
	return message{ID: id, Type: "result", Success: &ok, Error: &haError{Code: code, Message: msg}}
}

func copyAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
