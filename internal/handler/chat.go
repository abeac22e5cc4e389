package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// ChatRequest is the request body for the chat endpoint.
type ChatRequest struct {
	Query   string            `json:"query"`
	History []ChatHistoryTurn `json:"history,omitempty"`
}

// ChatHistoryTurn is one prior turn supplied by the client (§4.7 answer_query
// takes the running conversation, not just the latest query).
type ChatHistoryTurn struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// Orchestrator abstracts the RAG Orchestrator (component H) for the chat handler.
type Orchestrator interface {
	Answer(ctx context.Context, userID, query string, history []service.ChatMessage) (*service.RAGResult, error)
	AnswerStream(ctx context.Context, userID, query string, history []service.ChatMessage) (*service.RAGResult, <-chan string, <-chan error, error)
}

// ChatDeps bundles the services needed by the chat handler.
type ChatDeps struct {
	Orchestrator Orchestrator
}

const maxQueryLen = 10000

// Chat returns an SSE streaming handler that runs the full RAG pipeline
// (query analysis → retrieval → re-rank → context assembly → synthesis) for
// a single user turn (§4.7).
//
// POST /api/chat
func Chat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.Query == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "query is required"})
			return
		}
		if len(req.Query) > maxQueryLen {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "query exceeds 10000 character limit"})
			return
		}

		history := make([]service.ChatMessage, len(req.History))
		for i, h := range req.History {
			history[i] = service.ChatMessage{Role: h.Role, Content: h.Content}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
		defer cancel()

		startTime := time.Now()
		sendEvent(w, flusher, "status", `{"stage":"retrieving"}`)

		result, textCh, errCh, err := deps.Orchestrator.AnswerStream(ctx, userID, req.Query, history)
		if err != nil {
			slog.Error("[CHAT] orchestrator failed", "user_id", userID, "error", err)
			sendEvent(w, flusher, "error", fmt.Sprintf(`{"message":%q}`, err.Error()))
			sendEvent(w, flusher, "done", `{}`)
			return
		}

		sendEvent(w, flusher, "status", `{"stage":"generating"}`)

		var answer string
	streamLoop:
		for {
			select {
			case <-ctx.Done():
				slog.Warn("[CHAT] stream cancelled", "user_id", userID)
				break streamLoop
			case chunk, open := <-textCh:
				if !open {
					textCh = nil
					if errCh == nil {
						break streamLoop
					}
					continue
				}
				answer += chunk
				payload, _ := json.Marshal(map[string]string{"token": chunk})
				sendEvent(w, flusher, "token", string(payload))
			case streamErr, open := <-errCh:
				if !open {
					errCh = nil
					if textCh == nil {
						break streamLoop
					}
					continue
				}
				if streamErr != nil {
					slog.Error("[CHAT] stream generation error", "user_id", userID, "error", streamErr)
					sendEvent(w, flusher, "error", fmt.Sprintf(`{"message":%q}`, streamErr.Error()))
				}
			}
			if textCh == nil && errCh == nil {
				break
			}
		}

		citations := service.ExtractCitations(answer, result.Hits)
		donePayload, _ := json.Marshal(map[string]interface{}{
			"answer":     answer,
			"citations":  citations,
			"subQueries": result.SubQueries,
			"usedWeb":    result.UsedWeb,
			"latencyMs":  time.Since(startTime).Milliseconds(),
		})
		sendEvent(w, flusher, "done", string(donePayload))
	}
}
