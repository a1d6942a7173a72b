package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newOpenAIServer serves the OpenAI v1 dialect.
func newOpenAIServer(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", withAuth(handleOpenAIChat(cfg)))
	mux.HandleFunc("POST /v1/responses", withAuth(handleOpenAIResponses(cfg)))
	mux.HandleFunc("POST /v1/embeddings", withAuth(handleOpenAIEmbeddings(cfg)))
	return mux
}

// withAuth rejects requests without a Bearer token.
func withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key", "invalid_request_error")
			return
		}
		next(w, r)
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
}

func handleOpenAIChat(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "simulated provider outage", "server_error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}

		if req.Stream {
			streamOpenAIChat(w, cfg, req.Model)
			return
		}

		text := fakeSentence(cfg.StreamWords)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-" + uuid.NewString(),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     21,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      21 + cfg.StreamWords,
			},
		})
	}
}

// streamOpenAIChat emits chat.completion.chunk frames followed by a final
// usage chunk and [DONE], matching what the API sends with include_usage.
func streamOpenAIChat(w http.ResponseWriter, cfg Config, model string) {
	emit := sseWriter(w)
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	chunk := func(delta map[string]any, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
	}

	emit("", chunk(map[string]any{"role": "assistant"}, nil))
	for i := 0; i < cfg.StreamWords; i++ {
		emit("", chunk(map[string]any{"content": fakeWords[i%len(fakeWords)] + " "}, nil))
	}
	emit("", chunk(map[string]any{}, "stop"))
	emit("", map[string]any{
		"id": id, "object": "chat.completion.chunk", "created": created,
		"model": model, "choices": []any{},
		"usage": map[string]any{
			"prompt_tokens":     21,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      21 + cfg.StreamWords,
		},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type responsesRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
	Input  any    `json:"input"`
}

func handleOpenAIResponses(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "simulated provider outage", "server_error")
			return
		}

		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}

		if req.Stream {
			streamOpenAIResponses(w, cfg, req.Model)
			return
		}

		writeJSON(w, http.StatusOK, completedResponse(cfg, req.Model))
	}
}

func completedResponse(cfg Config, model string) map[string]any {
	text := fakeSentence(cfg.StreamWords)
	return map[string]any{
		"id":         "resp_" + uuid.NewString(),
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     "completed",
		"model":      model,
		"output": []map[string]any{{
			"type": "message", "role": "assistant", "status": "completed",
			"content": []map[string]any{{"type": "output_text", "text": text}},
		}},
		"usage": map[string]any{
			"input_tokens":  21,
			"output_tokens": cfg.StreamWords,
			"total_tokens":  21 + cfg.StreamWords,
		},
	}
}

func streamOpenAIResponses(w http.ResponseWriter, cfg Config, model string) {
	emit := sseWriter(w)

	full := completedResponse(cfg, model)
	created := map[string]any{}
	for k, v := range full {
		created[k] = v
	}
	created["status"] = "in_progress"
	created["output"] = []any{}
	delete(created, "usage")

	emit("response.created", map[string]any{"type": "response.created", "response": created})
	for i := 0; i < cfg.StreamWords; i++ {
		emit("response.output_text.delta", map[string]any{
			"type":  "response.output_text.delta",
			"delta": fakeWords[i%len(fakeWords)] + " ",
		})
	}
	emit("response.completed", map[string]any{"type": "response.completed", "response": full})
}

type embeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

func handleOpenAIEmbeddings(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "simulated provider outage", "server_error")
			return
		}

		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}

		count := 1
		if arr, ok := req.Input.([]any); ok {
			count = len(arr)
		}

		data := make([]map[string]any, count)
		for i := range data {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": fakeEmbedding(64),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]any{"prompt_tokens": count * 8, "total_tokens": count * 8},
		})
	}
}
