// Package adminapi is the external admin HTTP/WebSocket facade: a thin
// translation layer from REST/WS requests to Broker Config Store,
// Connection Manager, Message Bus, and Metrics Registry calls.
package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/brokerclient"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/manager"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/messagebus"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/secretcipher"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/tlsconfig"
)

// wsWriteDeadline bounds how long a single WebSocket write may take before
// the connection is considered stalled and dropped.
const wsWriteDeadline = 10 * time.Second

// wsPingInterval is the keepalive cadence for /ws/messages.
const wsPingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the admin HTTP/WS surface over a Store, Manager, Message
// Bus, and Metrics Registry.
type Server struct {
	store   *store.Store
	mgr     *manager.Manager
	bus     *messagebus.Bus
	metrics *metrics.Registry
}

// New constructs a Server.
func New(st *store.Store, mgr *manager.Manager, bus *messagebus.Bus, reg *metrics.Registry) *Server {
	return &Server{store: st, mgr: mgr, bus: bus, metrics: reg}
}

// Routes builds the http.Handler exposing every route in spec.md §6.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/brokers", s.handleListBrokers)
	mux.HandleFunc("POST /api/brokers", s.handleCreateBroker)
	mux.HandleFunc("GET /api/brokers/{id}", s.handleGetBroker)
	mux.HandleFunc("PUT /api/brokers/{id}", s.handleUpdateBroker)
	mux.HandleFunc("DELETE /api/brokers/{id}", s.handleDeleteBroker)
	mux.HandleFunc("POST /api/brokers/{id}/toggle", s.handleToggleBroker)

	mux.HandleFunc("GET /api/settings/main-broker", s.handleGetMainBroker)
	mux.HandleFunc("PUT /api/settings/main-broker", s.handleUpdateMainBroker)
	mux.HandleFunc("POST /api/settings/main-broker/test", s.handleTestMainBroker)

	mux.HandleFunc("GET /ws/messages", s.handleMessagesWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusBroker is the shape spec.md §6's GET /api/status names for each
// broker entry.
type statusBroker struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Enabled   bool   `json:"enabled"`
}

type statusResponse struct {
	Brokers                []statusBroker `json:"brokers"`
	TotalMessagesReceived  uint64         `json:"total_messages_received"`
	TotalMessagesForwarded uint64         `json:"total_messages_forwarded"`
	AvgLatencyMs           float64        `json:"avg_latency_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.mgr.Snapshot()
	brokers := make([]statusBroker, len(snapshots))
	for i, snap := range snapshots {
		brokers[i] = statusBroker{
			ID: snap.ID, Name: snap.Name, Address: snap.Address,
			Port: snap.Port, Connected: snap.Connected, Enabled: snap.Enabled,
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Brokers:                brokers,
		TotalMessagesReceived:  s.metrics.TotalMessagesReceived(),
		TotalMessagesForwarded: s.metrics.TotalMessagesForwarded(),
		AvgLatencyMs:           s.metrics.AvgLatencyMs(),
	})
}

func (s *Server) handleListBrokers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGetBroker(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateBroker(w http.ResponseWriter, r *http.Request) {
	var draft store.BrokerDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.store.Create(draft)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdateBroker(w http.ResponseWriter, r *http.Request) {
	var patch store.BrokerPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.store.Update(r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteBroker(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleBroker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.store.Toggle(r.PathValue("id"), body.Enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMainBroker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.MainBroker())
}

func (s *Server) handleUpdateMainBroker(w http.ResponseWriter, r *http.Request) {
	var settings store.MainBrokerSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.store.UpdateMainBroker(settings)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleTestMainBroker attempts a short-lived connect+disconnect against
// the supplied settings and reports success/failure without mutating
// stored state (spec.md §4.7, SPEC_FULL addition).
func (s *Server) handleTestMainBroker(w http.ResponseWriter, r *http.Request) {
	var settings store.MainBrokerSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	password := settings.Password
	if secretcipher.IsRetainSentinel(password) {
		password = s.store.DecryptPassword(s.store.MainBroker().Password)
	}

	client := brokerclient.New(brokerclient.Options{
		Address: settings.Address, Port: settings.Port, ClientIDPrefix: settings.ClientID,
		Username: settings.Username, Password: password, TLS: tlsconfig.Options{},
		Label: "main-broker-test",
	})

	result := make(chan bool, 1)
	go func() {
		go client.Run()
		deadline := time.After(10 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if client.Connected() {
					result <- true
					return
				}
			case <-deadline:
				result <- false
				return
			}
		}
	}()

	ok := <-result
	client.Shutdown()

	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleMessagesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(wsEntry{
				Timestamp: entry.Timestamp, ClientID: entry.ClientID, Topic: entry.Topic,
				Payload: entry.Payload, QoS: entry.QoS, Retain: entry.Retain,
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// wsEntry is the JSON wire shape streamed over /ws/messages (spec.md §6).
type wsEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(v); err != nil {
		slog.Error("adminapi: failed to encode JSON response", "err", err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	var perr *store.PersistenceError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateName):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &verr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &perr):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
