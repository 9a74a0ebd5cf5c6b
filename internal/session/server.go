package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/registry"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// Server exposes the WebSocket and REST transports on one HTTP surface.
type Server struct {
	manager  *Manager
	router   *Router
	registry *registry.Registry
	auth     *Authenticator
	logger   *zap.Logger
	// defaultAgent is the development fallback principal; nil means
	// unauthenticated requests are rejected.
	defaultAgent *types.Agent
}

// NewServer wires the HTTP surface.
func NewServer(manager *Manager, router *Router, reg *registry.Registry, auth *Authenticator, defaultAgent *types.Agent, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		manager:      manager,
		router:       router,
		registry:     reg,
		auth:         auth,
		defaultAgent: defaultAgent,
		logger:       logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/mcp", s.handleWebSocket)
	r.HandleFunc("/api/v1/tools/{name}", s.handleREST).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.router.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
	})
}

// principalFromRequest resolves the calling agent from the bearer token,
// falling back to the development principal when auth is optional.
func (s *Server) principalFromRequest(r *http.Request) (*types.Agent, error) {
	token := bearerToken(r)
	if token == "" {
		if s.auth.Required() || s.defaultAgent == nil {
			return nil, types.E(types.KindPermission, "authentication required")
		}
		return s.defaultAgent.Clone(), nil
	}
	claims, err := s.auth.Verify(token)
	if err != nil {
		return nil, err
	}
	agent, err := s.registry.Resolve(claims.AgentID)
	if err != nil {
		return nil, types.E(types.KindPermission, "token references an unknown agent")
	}
	if !agent.IsActive {
		return nil, types.E(types.KindPermission, "token references an inactive agent")
	}
	return agent, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	// WebSocket clients cannot always set headers; allow a query token.
	return r.URL.Query().Get("token")
}

// handleWebSocket upgrades the connection and runs one session over it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principalFromRequest(r)
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wmu sync.Mutex
	send := func(resp Response) {
		raw, err := json.Marshal(resp)
		if err != nil {
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			cancel()
		}
	}

	sess, err := s.manager.Open(ctx, principal, send)
	if err != nil {
		send(errResponse("", err))
		conn.Close(websocket.StatusPolicyViolation, "session limit reached")
		return
	}
	defer s.manager.Close(sess.ID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		req, err := decodeRequest(raw)
		if err != nil {
			send(errResponse("", err))
			continue
		}
		sess.Submit(req)
	}
}

// handleREST runs one tool call per request, no session persistence.
func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	principal, err := s.principalFromRequest(r)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	name := mux.Vars(r)["name"]

	body := http.MaxBytesReader(w, r.Body, MaxFrameBytes)
	var params json.RawMessage
	if err := json.NewDecoder(body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeHTTPError(w, types.E(types.KindValidation, "request body is not valid JSON"))
		return
	}

	sess := newSession("rest", registry.NewSessionContext(s.registry, principal), s.router, func(Response) {}, s.logger)
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()
	resp := s.router.Dispatch(ctx, sess, &Request{ID: "1", Tool: name, Params: params})

	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(httpStatus(types.Kind(resp.Error.Code)))
	}
	json.NewEncoder(w).Encode(resp)
}

func writeHTTPError(w http.ResponseWriter, err error) {
	resp := errResponse("", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(types.KindOf(err)))
	json.NewEncoder(w).Encode(resp)
}

// httpStatus maps error kinds onto REST status codes.
func httpStatus(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindPermission:
		return http.StatusForbidden
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindNotFound, types.KindUnknownAgent, types.KindUnknownTool:
		return http.StatusNotFound
	case types.KindNameConflict, types.KindDuplicateID:
		return http.StatusConflict
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindEmbedder, types.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
