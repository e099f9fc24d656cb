package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tracedchat/tracedchat/internal/chat"
	"github.com/tracedchat/tracedchat/internal/langfuse"
	"github.com/tracedchat/tracedchat/internal/trace"
)

// ChatService handles one chat request end to end. Satisfied by
// *chat.Pipeline; tests substitute fakes.
type ChatService interface {
	Handle(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// RouterOptions wires the HTTP surface.
type RouterOptions struct {
	AppVersion  string
	Chat        ChatService
	TraceHost   string
	Model       string
	Diagnostics func() trace.Diagnostics
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/chat", ChatHandler(options.Chat))
	mux.Handle("/health", HealthHandler(HealthOptions{
		Version:     options.AppVersion,
		StartedAt:   startedAt,
		Model:       options.Model,
		Diagnostics: options.Diagnostics,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "traced chat service",
			"version": options.AppVersion,
			"usage": map[string]any{
				"endpoint": "POST /chat",
				"example": map[string]string{
					"message": "What is observability?",
					"user_id": "demo_user",
				},
			},
			"view_traces": langfuse.TracesURL(options.TraceHost),
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
