package main

import (
	"encoding/json"
	"net/http"
	"strings"
)

// newGeminiServer serves the Gemini v1beta dialect. The model and operation
// share a path segment ("models/gemini-pro:generateContent"), so one route
// dispatches on the suffix after the colon. Auth is the key query parameter.
func newGeminiServer(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/models/{rest}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			writeJSON(w, http.StatusUnauthorized, geminiError(401, "API key not valid"))
			return
		}

		model, op, ok := strings.Cut(r.PathValue("rest"), ":")
		if !ok {
			writeJSON(w, http.StatusNotFound, geminiError(404, "unknown operation"))
			return
		}

		applyLatency(cfg)
		if shouldError(cfg) {
			writeJSON(w, http.StatusInternalServerError, geminiError(500, "simulated provider outage"))
			return
		}

		switch op {
		case "generateContent":
			handleGeminiGenerate(w, cfg, model)
		case "streamGenerateContent":
			handleGeminiStream(w, r, cfg, model)
		case "embedContent":
			handleGeminiEmbed(w, r, false)
		case "batchEmbedContents":
			handleGeminiEmbed(w, r, true)
		default:
			writeJSON(w, http.StatusNotFound, geminiError(404, "unknown operation "+op))
		}
	})
	return mux
}

func geminiError(code int, msg string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": msg,
		"status":  http.StatusText(code),
	}}
}

func geminiCandidate(text string) map[string]any {
	return map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]any{{"text": text}},
		},
		"finishReason": "STOP",
		"index":        0,
	}
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []map[string]any{geminiCandidate(fakeSentence(cfg.StreamWords))},
		"usageMetadata": map[string]any{
			"promptTokenCount":     21,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      21 + cfg.StreamWords,
		},
		"modelVersion": model,
	})
}

// handleGeminiStream emits data-only SSE chunks, the final one carrying the
// finish reason and usage, with no [DONE] sentinel.
func handleGeminiStream(w http.ResponseWriter, r *http.Request, cfg Config, model string) {
	if r.URL.Query().Get("alt") != "sse" {
		writeJSON(w, http.StatusBadRequest, geminiError(400, "only alt=sse is supported"))
		return
	}
	emit := sseWriter(w)

	for i := 0; i < cfg.StreamWords; i++ {
		chunk := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": fakeWords[i%len(fakeWords)] + " "}},
				},
				"index": 0,
			}},
			"modelVersion": model,
		}
		emit("", chunk)
	}

	emit("", map[string]any{
		"candidates": []map[string]any{geminiCandidate("")},
		"usageMetadata": map[string]any{
			"promptTokenCount":     21,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      21 + cfg.StreamWords,
		},
		"modelVersion": model,
	})
}

func handleGeminiEmbed(w http.ResponseWriter, r *http.Request, batch bool) {
	if batch {
		var req struct {
			Requests []json.RawMessage `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, geminiError(400, "invalid JSON body"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"embeddings": embeddingValues(len(req.Requests)),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"embedding": map[string]any{"values": fakeEmbedding(64)},
	})
}

func embeddingValues(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"values": fakeEmbedding(64)}
	}
	return out
}
