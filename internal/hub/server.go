package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/protocol"
)

// OpenRequest is the session-creation payload: which backend, and either
// a command to spawn or a target to attach to.
type OpenRequest struct {
	Backend     string   `json:"backend"`
	Command     []string `json:"command,omitempty"`
	Target      string   `json:"target,omitempty"`
	Rows        int      `json:"rows,omitempty"`
	Cols        int      `json:"cols,omitempty"`
	Term        string   `json:"term,omitempty"`
	AllowNested bool     `json:"allow_nested,omitempty"`
}

// Opener creates and tears down sessions on the hub's behalf. The
// concrete type is relay.Manager.
type Opener interface {
	OpenSession(ctx context.Context, req OpenRequest) (sessionID string, err error)
	CloseSession(ctx context.Context, sessionID string) error
	ListTargets(ctx context.Context, backend, filter string) ([]adapter.Target, error)
}

// Server exposes the hub over HTTP: a websocket subscribe endpoint and a
// session API. Transport encryption and authentication live outside
// this process; the token check here is a shared-secret gate only.
type Server struct {
	hub            *Hub
	opener         Opener
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(h *Hub, opener Opener, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		hub:            h,
		opener:         opener,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/targets", s.handleTargets)
}

// handleWS upgrades a viewer connection and runs its read loop. Each
// frame the viewer sends is dispatched synchronously so per-subscriber
// submission order is preserved across input and control traffic.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	sub, err := s.hub.Subscribe(sessionID)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session"))
		conn.Close()
		return
	}

	log.Printf("subscriber %s connected to session %s from %s", sub.ID, sessionID, r.RemoteAddr)
	go writePump(conn, sub)

	go func() {
		defer func() {
			s.hub.Unsubscribe(sub)
			log.Printf("subscriber %s disconnected from session %s", sub.ID, sessionID)
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.hub.HandleMessage(sub, raw)
		}
	}()
}

// writePump drains the subscriber's queue onto the websocket. Exits when
// the hub closes the queue (disconnect, slow-subscriber drop, or session
// end) and closes the connection behind it.
func writePump(conn *websocket.Conn, sub *Subscriber) {
	defer conn.Close()
	for frame := range sub.Send {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listSessions(w)
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodDelete:
		s.closeSession(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listSessions(w http.ResponseWriter) {
	type sessionInfo struct {
		ID         string `json:"id"`
		Controller string `json:"controller_id"`
	}
	ids := s.hub.SessionIDs()
	infos := make([]sessionInfo, 0, len(ids))
	for _, id := range ids {
		controller, ok := s.hub.Controller(id)
		if !ok {
			continue
		}
		infos = append(infos, sessionInfo{ID: id, Controller: controller})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if s.opener == nil {
		http.Error(w, "session creation not enabled", http.StatusNotImplemented)
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.Backend == "" {
		http.Error(w, "backend required", http.StatusBadRequest)
		return
	}

	id, err := s.opener.OpenSession(r.Context(), req)
	if err != nil {
		log.Printf("open session (backend %s) failed: %v", req.Backend, err)
		http.Error(w, err.Error(), apiStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if s.opener == nil {
		http.Error(w, "session creation not enabled", http.StatusNotImplemented)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter required", http.StatusBadRequest)
		return
	}
	if err := s.opener.CloseSession(r.Context(), id); err != nil {
		http.Error(w, err.Error(), apiStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.opener == nil {
		http.Error(w, "target listing not enabled", http.StatusNotImplemented)
		return
	}

	backend := r.URL.Query().Get("backend")
	if backend == "" {
		http.Error(w, "backend query parameter required", http.StatusBadRequest)
		return
	}

	targets, err := s.opener.ListTargets(r.Context(), backend, r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), apiStatus(err))
		return
	}
	if targets == nil {
		targets = []adapter.Target{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(targets)
}

// apiStatus maps the error taxonomy onto HTTP status codes.
func apiStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrTargetUnavailable):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrAlreadyManaged):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrNotSupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Term-Relay-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Hub listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
