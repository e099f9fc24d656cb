package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tracedchat/tracedchat/internal/chat"
	"github.com/tracedchat/tracedchat/internal/correlation"
)

const defaultUserID = "anonymous"

// chatRequestBodyLimit bounds the /chat request body. Chat messages are
// small; anything near this limit is not a chat request.
const chatRequestBodyLimit = 1 << 20

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type chatResponse struct {
	Response   string `json:"response"`
	TraceID    string `json:"trace_id"`
	TraceURL   string `json:"trace_url"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
}

// ChatHandler decodes one chat request, hands it to the pipeline, and
// renders the result. Inference failures map to 502 — the trace was still
// recorded and delivered. Lifecycle violations are bugs and map to 500.
func ChatHandler(service ChatService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, chatRequestBodyLimit)

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			req.UserID = defaultUserID
		}

		requestID, _ := correlation.FromContext(r.Context())
		resp, err := service.Handle(r.Context(), chat.Request{
			Message:   req.Message,
			UserID:    req.UserID,
			RequestID: requestID,
		})
		if err != nil {
			var failure *chat.InferenceFailure
			if errors.As(err, &failure) {
				writeJSON(w, http.StatusBadGateway, map[string]string{
					"error":    "inference call failed",
					"trace_id": failure.TraceID,
				})
				return
			}
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			Response:   resp.Response,
			TraceID:    resp.TraceID,
			TraceURL:   resp.TraceURL,
			TokensUsed: resp.TokensUsed,
			Model:      resp.Model,
		})
	})
}
