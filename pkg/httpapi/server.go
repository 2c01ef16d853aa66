// Package httpapi exposes the orchestration core over HTTP: buffered and
// streamed chat, a mock simulate path, and agent discovery.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowmesh/orchestrator/pkg/apperr"
	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/expert"
	"github.com/flowmesh/orchestrator/pkg/guardrail"
	"github.com/flowmesh/orchestrator/pkg/orchestrator"
	"github.com/flowmesh/orchestrator/pkg/stream"
	"github.com/flowmesh/orchestrator/pkg/trace"
)

// Server is the orchestration server's HTTP surface.
type Server struct {
	factory       *expert.Factory
	runner        *expert.Runner
	orchestrators map[string]orchestrator.Orchestrator
	guardrail     *guardrail.Guardrail
	loader        *config.Loader

	httpServer *http.Server
}

// New builds a Server. orchestrators is keyed by its Tag() (e.g. "moe",
// "smartrouter"); any other {id} in a request path is looked up as a
// concrete expert via factory.
func New(addr string, factory *expert.Factory, runner *expert.Runner, orchestrators []orchestrator.Orchestrator, gr *guardrail.Guardrail, loader *config.Loader) *Server {
	byTag := make(map[string]orchestrator.Orchestrator, len(orchestrators))
	for _, o := range orchestrators {
		byTag[o.Tag()] = o
	}
	s := &Server{factory: factory, runner: runner, orchestrators: byTag, guardrail: gr, loader: loader}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(s.corsMiddleware(s.routes())),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents", s.handleDiscovery)
	mux.HandleFunc("/agents/", s.handleAgentRoutes)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDiscovery lists every enabled expert descriptor plus the two
// built-in orchestrator ids.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	descriptors := s.factory.Descriptors()
	ids := make([]string, 0, len(descriptors)+len(s.orchestrators))
	for _, d := range descriptors {
		ids = append(ids, d.ID)
	}
	for tag := range s.orchestrators {
		ids = append(ids, tag)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"agents": descriptors,
		"ids":    ids,
	})
}

// handleAgentRoutes parses "/agents/{id}/chat[/stream]" and "/agents/{id}/simulate".
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch strings.Join(parts[1:], "/") {
	case "chat":
		s.handleChat(w, r, id, false)
	case "chat/stream":
		s.handleChat(w, r, id, true)
	case "simulate":
		s.handleSimulate(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// chatRequest is the shared request body for chat, chat/stream, and
// simulate — the external contract's "{input, context?, max-steps?,
// session-id?}".
type chatRequest struct {
	Input     string         `json:"input"`
	Context   map[string]any `json:"context"`
	MaxSteps  int            `json:"max-steps"`
	SessionID string         `json:"session-id"`
}

// decodeChatRequest parses and validates the shared request body: input
// must be non-empty and within the configured max query length, and
// max-steps (when given) must fall within [1, 100].
func (s *Server) decodeChatRequest(r *http.Request) (*chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("input must not be empty")
	}

	maxQueryLen := 4000
	if s.loader != nil {
		if doc := s.loader.Current(); doc != nil && doc.MaxQueryLen > 0 {
			maxQueryLen = doc.MaxQueryLen
		}
	}
	if len(req.Input) > maxQueryLen {
		return nil, fmt.Errorf("input exceeds max query length of %d", maxQueryLen)
	}

	if req.MaxSteps == 0 {
		req.MaxSteps = 10
	} else if req.MaxSteps < 1 || req.MaxSteps > 100 {
		return nil, fmt.Errorf("max-steps must be within [1, 100]")
	}
	return &req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, id string, streamed bool) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeConfigError, err))
		return
	}

	if streamed {
		s.streamChat(w, r, id, req)
		return
	}

	result, mode, err := s.runChat(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeChatResponse(w, mode, result)
}

// runChat dispatches to the named orchestrator if id matches one, otherwise
// treats id as a concrete expert and runs it directly through the runner.
func (s *Server) runChat(ctx context.Context, id string, req *chatRequest) (*orchestrator.Result, string, error) {
	if o, ok := s.orchestrators[id]; ok {
		result, err := o.Run(ctx, orchestrator.Request{
			Query:     req.Input,
			Context:   req.Context,
			SessionID: req.SessionID,
			MaxSteps:  req.MaxSteps,
		})
		return result, "real", err
	}

	result, err := s.runSingleExpert(ctx, id, req)
	return result, "real", err
}

func (s *Server) runSingleExpert(ctx context.Context, id string, req *chatRequest) (*orchestrator.Result, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = orchestrator.NewSessionID(id)
	}

	t := trace.New(id, sessionID)
	defer t.Finish()

	w, err := s.factory.GetWorkerWithSession(ctx, id, &sessionID, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.runner.Run(ctx, w, req.Input, "", req.MaxSteps)
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseExpert, Label: "single-expert chat", ExpertID: id, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
	if err != nil {
		return nil, err
	}

	t.ExpertsUsed = []string{id}
	result := &orchestrator.Result{Answer: res.FinalOutput, ExpertsUsed: t.ExpertsUsed}
	if s.guardrail != nil {
		gStart := time.Now()
		v := s.guardrail.Check(ctx, req.Input, result.Answer)
		t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseGuardrail, Label: "hallucination check", StartedAt: gStart, EndedAt: time.Now()})
		if v != nil && v.Triggered() {
			result.Answer = v.SafeRepair
			result.GuardrailHit = true
			result.GuardrailRisk = string(v.Risk)
			result.GuardrailReason = v.Reason
		}
	}
	result.Trace = t.Snap()
	return result, nil
}

// handleSimulate returns a mock response without invoking any LLM provider —
// useful for exercising the HTTP/trace contract in CI without credentials.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeConfigError, err))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = orchestrator.NewSessionID(id)
	}
	t := trace.New(id, sessionID)
	start := time.Now()
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseExpert, Label: "simulated run", ExpertID: id, StartedAt: start, EndedAt: time.Now()})
	t.ExpertsUsed = []string{id}
	t.Finish()

	result := &orchestrator.Result{
		Answer:      fmt.Sprintf("[simulated response for %q]", req.Input),
		ExpertsUsed: t.ExpertsUsed,
		Trace:       t.Snap(),
	}
	writeChatResponse(w, "mock", result)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, id string, req *chatRequest) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = orchestrator.NewSessionID(id)
	}

	ctx := r.Context()
	if o, ok := s.orchestrators[id]; ok {
		result, runErr := o.Run(ctx, orchestrator.Request{Query: req.Input, Context: req.Context, SessionID: sessionID, MaxSteps: req.MaxSteps})
		_ = stream.WriteAll(w, func(yield func(stream.Chunk, error) bool) {
			if !yield(stream.Metadata(id, id, true, sessionID, req.MaxSteps, time.Now()), nil) {
				return
			}
			if runErr != nil {
				yield(stream.Chunk{}, runErr)
				return
			}
			if yield(stream.Token(result.Answer), nil) {
				yield(stream.Done(map[string]any{"experts-used": result.ExpertsUsed}), nil)
			}
		})
		return
	}
	wkr, err := s.factory.GetWorkerWithSession(ctx, id, &sessionID, nil)
	if err != nil {
		_ = stream.WriteAll(w, func(yield func(stream.Chunk, error) bool) {
			yield(stream.Chunk{}, err)
		})
		return
	}

	seq := s.runner.RunStreamed(ctx, wkr, req.Input, "", req.MaxSteps)
	if err := stream.WriteAll(w, seq); err != nil {
		slog.Error("stream write failed", "expert_id", id, "error", err)
	}
}

func writeChatResponse(w http.ResponseWriter, mode string, result *orchestrator.Result) {
	metadata := map[string]any{
		"mode":         mode,
		"session-id":   result.Trace.RequestID,
		"orchestrator": result.Trace.Orchestrator,
		"experts-used": result.ExpertsUsed,
		"trace": map[string]any{
			"cache-hit":        result.Trace.CacheHit,
			"fallback":         result.Trace.Fallback,
			"latency-ms":       result.Trace.LatencyMS,
			"selected-experts": result.Trace.SelectedExperts,
		},
		"phases": result.Trace.Phases,
	}
	if result.GuardrailHit || result.GuardrailRisk != "" {
		metadata["guardrails"] = map[string]any{
			"hallucination": map[string]any{
				"triggered": result.GuardrailHit,
				"risk":      result.GuardrailRisk,
				"reason":    result.GuardrailReason,
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": result.Answer,
		"trace":    result.Trace.Phases,
		"metadata": metadata,
	})
}

func writeError(w http.ResponseWriter, err error) {
	code, ok := apperr.CodeOf(err)
	if !ok {
		code = apperr.CodeOrchestratorError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail":     err.Error(),
		"error-code": string(code),
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests without wrapping ResponseWriter, so SSE
// streaming handlers keep access to http.Flusher.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
