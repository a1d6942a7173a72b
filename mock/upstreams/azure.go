package main

import (
	"encoding/json"
	"net/http"
)

// newAzureServer serves the Azure OpenAI dialect: deployment-scoped chat and
// embeddings paths plus the v1 responses surface. Auth is the api-key header.
func newAzureServer(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /openai/deployments/{deployment}/chat/completions", withAPIKey(handleAzureChat(cfg)))
	mux.HandleFunc("POST /openai/deployments/{deployment}/embeddings", withAPIKey(handleAzureEmbeddings(cfg)))
	mux.HandleFunc("POST /openai/v1/responses", withAPIKey(handleOpenAIResponses(cfg)))
	return mux
}

func withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") == "" {
			writeError(w, http.StatusUnauthorized, "missing api-key header", "invalid_request_error")
			return
		}
		next(w, r)
	}
}

// handleAzureChat mirrors the OpenAI chat handler but takes the model from
// the deployment path segment, as the real API does.
func handleAzureChat(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "simulated provider outage", "server_error")
			return
		}
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request_error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request_error")
			return
		}
		model := r.PathValue("deployment")

		if req.Stream {
			streamOpenAIChat(w, cfg, model)
			return
		}

		text := fakeSentence(cfg.StreamWords)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     "chatcmpl-azure-mock",
			"object": "chat.completion",
			"model":  model,
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

func handleAzureEmbeddings(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") == "" {
			writeError(w, http.StatusBadRequest, "api-version query parameter is required", "invalid_request_error")
			return
		}
		handleOpenAIEmbeddings(cfg)(w, r)
	}
}
