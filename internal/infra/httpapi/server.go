package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mcpbridge/internal/domain"
	"mcpbridge/internal/infra/bridge"
)

// Server exposes the bridge's public operations as thin JSON route
// handlers. All semantics live in the bridge; handlers only marshal.
type Server struct {
	bridge    *bridge.Bridge
	indexPath string
	logger    *zap.Logger
}

type Options struct {
	// IndexPath is re-read on POST /index/refresh.
	IndexPath string
	Logger    *zap.Logger
}

func NewServer(b *bridge.Bridge, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		bridge:    b,
		indexPath: opts.IndexPath,
		logger:    logger.Named("httpapi"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("GET /servers/{id}", s.handleGetServer)
	mux.HandleFunc("GET /categories/{category}/servers", s.handleServersByCategory)
	mux.HandleFunc("GET /search", s.handleSearchServers)
	mux.HandleFunc("GET /tools", s.handleListAllTools)
	mux.HandleFunc("GET /tools/find", s.handleFindTools)
	mux.HandleFunc("GET /index/metadata", s.handleIndexMetadata)
	mux.HandleFunc("POST /index/refresh", s.handleRefreshIndex)
	mux.HandleFunc("POST /requests", s.handleProcessRequest)
	mux.HandleFunc("GET /requests/recent", s.handleRecentRequests)
	return mux
}

// Serve runs the API server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("api server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.ListServers())
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.bridge.GetServer(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleServersByCategory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.ServersByCategory(r.PathValue("category")))
}

func (s *Server) handleSearchServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.SearchServers(r.URL.Query().Get("q")))
}

func (s *Server) handleListAllTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.ListAllTools())
}

func (s *Server) handleFindTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.FindTools(r.URL.Query().Get("q")))
}

func (s *Server) handleIndexMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.IndexMetadata())
}

func (s *Server) handleRefreshIndex(w http.ResponseWriter, r *http.Request) {
	source, err := os.ReadFile(s.indexPath)
	if err != nil {
		s.writeError(w, fmt.Errorf("read capability index: %w", err))
		return
	}
	if err := s.bridge.RefreshIndex(source); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.IndexMetadata())
}

type processRequestBody struct {
	Query     string          `json:"query"`
	Args      json.RawMessage `json:"args,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
	Mutating  bool            `json:"mutating,omitempty"`
}

type processRequestResponse struct {
	Status     domain.RequestStatus `json:"status"`
	Result     json.RawMessage      `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	Attempts   int                  `json:"attempts"`
	NearMisses []domain.ToolMatch   `json:"nearMisses,omitempty"`
}

func (s *Server) handleProcessRequest(w http.ResponseWriter, r *http.Request) {
	var body processRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, domain.E(domain.CodeInvalidArgument, "api process request", "invalid body", err))
		return
	}
	if body.Query == "" {
		s.writeError(w, domain.E(domain.CodeInvalidArgument, "api process request", "query is required", nil))
		return
	}

	outcome, err := s.bridge.ProcessRequest(r.Context(), bridge.Request{
		Query:    body.Query,
		Args:     body.Args,
		Timeout:  time.Duration(body.TimeoutMs) * time.Millisecond,
		Mutating: body.Mutating,
	})

	resp := processRequestResponse{
		Status:     outcome.Record.Status,
		Result:     outcome.Result,
		Attempts:   outcome.Record.Attempts,
		NearMisses: outcome.NearMisses,
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, domain.E(domain.CodeInvalidArgument, "api recent requests", "invalid limit", err))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, s.bridge.RecentRequests(limit))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	if code, ok := domain.CodeFrom(err); ok {
		resp.Code = string(code)
	}
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	code, ok := domain.CodeFrom(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound, domain.CodeUnmatched:
		return http.StatusNotFound
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodeCanceled, domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
