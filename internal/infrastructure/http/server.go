// Package http provides the HTTP server infrastructure.
// Clean Architecture: Framework/driver layer - outermost circle.
package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyeokjun/routerag-go/internal/conversation"
	"github.com/hyeokjun/routerag-go/internal/domain/entities"
	"github.com/hyeokjun/routerag-go/internal/domain/usecases"
)

// Server is the HTTP server for the routing RAG API.
type Server struct {
	ask           *usecases.AskUseCase
	conversations *conversation.Store
	addr          string
}

// NewServer creates a new HTTP server.
func NewServer(ask *usecases.AskUseCase, conversations *conversation.Store, addr string) *Server {
	if addr == "" {
		addr = ":8080"
	}
	return &Server{ask: ask, conversations: conversations, addr: addr}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      corsMiddleware(loggingMiddleware(s.Handler())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("http server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/users/", s.handleUser)
	return mux
}

type chatRequest struct {
	Question string `json:"question"`
	User     string `json:"user"`
	TopK     int    `json:"top_k,omitempty"`
}

type chatResponse struct {
	Answer    string            `json:"answer"`
	Citations []citationJSON    `json:"citations,omitempty"`
	Stat      *statJSON         `json:"stat,omitempty"`
	Charts    []chartJSON       `json:"charts,omitempty"`
	Degraded  bool              `json:"degraded"`
	Failed    map[string]string `json:"failed_sources,omitempty"`
}

type citationJSON struct {
	SourceID string  `json:"source_id"`
	RecordID string  `json:"record_id"`
	Score    float64 `json:"score"`
	Preview  string  `json:"preview"`
}

type statJSON struct {
	Aggregation  string             `json:"aggregation"`
	Scalar       float64            `json:"scalar"`
	Groups       map[string]float64 `json:"groups,omitempty"`
	MatchedCount int                `json:"matched_count"`
	Empty        bool               `json:"empty"`
}

type chartJSON struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "Question required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.User) == "" {
		http.Error(w, "User required", http.StatusBadRequest)
		return
	}

	answer, err := s.ask.Ask(r.Context(), &entities.Query{
		Text:   req.Question,
		UserID: req.User,
		TopK:   req.TopK,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, usecases.ErrAllSourcesFailed) {
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, answerJSON(answer))
}

func answerJSON(a *entities.Answer) chatResponse {
	resp := chatResponse{Answer: a.Text}
	for _, c := range a.Citations {
		resp.Citations = append(resp.Citations, citationJSON{
			SourceID: c.SourceID,
			RecordID: c.RecordID,
			Score:    c.Score,
			Preview:  c.Preview,
		})
	}
	if a.Stat != nil {
		stat := &statJSON{
			Aggregation:  string(a.Stat.Aggregation),
			Scalar:       a.Stat.Scalar,
			MatchedCount: a.Stat.MatchedCount,
			Empty:        a.Stat.Empty,
		}
		if len(a.Stat.Groups) > 0 {
			stat.Groups = make(map[string]float64, len(a.Stat.Groups))
			for _, g := range a.Stat.Groups {
				stat.Groups[g.Key] = g.Value
			}
		}
		resp.Stat = stat
	}
	for _, chart := range a.Charts {
		resp.Charts = append(resp.Charts, chartJSON{
			MimeType: chart.MimeType,
			Data:     base64.StdEncoding.EncodeToString(chart.Data),
		})
	}
	resp.Degraded = a.Report.Degraded()
	if len(a.Report.Failed) > 0 {
		resp.Failed = a.Report.Failed
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summaries, err := s.conversations.ListUsers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type userJSON struct {
		UserID    string    `json:"user_id"`
		TurnCount int       `json:"turn_count"`
		FirstSeen time.Time `json:"first_seen"`
		LastSeen  time.Time `json:"last_seen"`
	}
	out := make([]userJSON, 0, len(summaries))
	for _, u := range summaries {
		out = append(out, userJSON{UserID: u.UserID, TurnCount: u.TurnCount, FirstSeen: u.FirstSeen, LastSeen: u.LastSeen})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// handleUser dispatches /api/users/{name} and /api/users/{name}/reset.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "User required", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case action == "reset" && r.Method == http.MethodPost:
		err = s.conversations.Reset(r.Context(), name)
	case action == "" && r.Method == http.MethodDelete:
		err = s.conversations.Delete(r.Context(), name)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if errors.Is(err, conversation.ErrNoSession) {
		http.Error(w, "Unknown user", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": name})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}
