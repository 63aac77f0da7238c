// Package rpc provides a JSON-RPC 2.0 server for the HTLC scheduler daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/driver"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	store    *storage.Storage
	driver   *driver.Driver
	breakers func() map[string]string
	added    TaskAddedFunc
	log      *logging.Logger
	wsHub    *WSHub
	started  time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Config holds the server's collaborators.
type Config struct {
	Storage *storage.Storage
	Driver  *driver.Driver

	// Breakers reports circuit breaker state per chain. Optional.
	Breakers func() map[string]string

	// OnTaskAdded runs after tasks_add registers a task. Optional.
	OnTaskAdded TaskAddedFunc

	Logger *logging.Logger
}

// TaskAddedFunc is called for every task registered through tasks_add. An
// error unregisters the task and fails the request.
type TaskAddedFunc func(ctx context.Context, pair swap.ResourcePair, task *storage.Task) error

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// errInvalidParams marks handler errors caused by the caller's params.
var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvalidParams, fmt.Sprintf(format, args...))
}

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	s := &Server{
		store:    cfg.Storage,
		driver:   cfg.Driver,
		breakers: cfg.Breakers,
		added:    cfg.OnTaskAdded,
		log:      log.Component("rpc"),
		started:  time.Now(),
		handlers: make(map[string]Handler),
	}
	s.wsHub = NewWSHub(s.log)

	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Scheduler methods
	s.handlers["scheduler_status"] = s.schedulerStatus
	s.handlers["pairs_list"] = s.pairsList

	// Task methods
	s.handlers["tasks_list"] = s.tasksList
	s.handlers["tasks_get"] = s.tasksGet
	s.handlers["tasks_add"] = s.tasksAdd
	s.handlers["tasks_tick"] = s.tasksTick
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	// tasks_tick waits for receipts, so the write timeout is long.
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// OnTickEvent forwards a scheduler event to WebSocket subscribers. Register
// it with swap.Scheduler.OnEvent.
func (s *Server) OnTickEvent(event swap.Event) {
	eventType := EventTickStep
	switch {
	case event.Failed:
		eventType = EventTickFailed
	case event.Outcome != "":
		eventType = EventTickFinished
	}
	s.wsHub.Broadcast(eventType, event)
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := InternalError
		if errors.Is(err, errInvalidParams) {
			code = InvalidParams
		}
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
