// Command upstreams runs fake provider APIs for local development.
//
// Three servers start, one per dialect the relay speaks:
//
//	:19001  OpenAI v1      (/v1/chat/completions, /v1/responses, /v1/embeddings)
//	:19002  Azure OpenAI   (deployment-scoped paths with api-version)
//	:19003  Gemini         (v1beta generateContent / streamGenerateContent / embedContent)
//
// Behaviour flags (env):
//
//	MOCK_LATENCY_MS    added latency per request      (default 0)
//	MOCK_ERROR_RATE    probability of a 500 response  (default 0)
//	MOCK_STREAM_WORDS  words per streamed completion  (default 12)
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config controls the simulated behaviour of every mock server.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	cfg := Config{StreamWords: 12}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		cfg.LatencyMS, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		cfg.ErrorRate, _ = strconv.ParseFloat(v, 64)
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StreamWords = n
		}
	}
	return cfg
}

func main() {
	cfg := loadConfig()

	servers := []struct {
		name    string
		addr    string
		handler http.Handler
	}{
		{"openai", ":19001", newOpenAIServer(cfg)},
		{"azure", ":19002", newAzureServer(cfg)},
		{"gemini", ":19003", newGeminiServer(cfg)},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	running := make([]*http.Server, 0, len(servers))

	for _, s := range servers {
		srv := &http.Server{Addr: s.addr, Handler: s.handler}
		running = append(running, srv)

		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			log.Printf("mock %s listening on %s", name, srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("mock %s: %v", name, err)
			}
		}(s.name, srv)
	}

	<-ctx.Done()
	log.Println("shutting down mock upstreams")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range running {
		_ = srv.Shutdown(shutCtx)
	}
	wg.Wait()
}
