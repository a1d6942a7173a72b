package proxy

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Start serves the public API on addr (e.g. ":8080") and blocks until the
// listener fails or Shutdown is called.
func (g *Gateway) Start(addr string) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.instrument("chat_completions", g.handleChatCompletions))
	r.POST("/v1/responses", g.instrument("responses", g.handleResponses))
	r.POST("/v1/embeddings", g.instrument("embeddings", g.handleEmbeddings))
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/metrics", g.metrics.Handler())

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)

	g.srv = &fasthttp.Server{
		Handler: handler,
		// Streaming responses stay open well past any request deadline.
		ReadTimeout:        60 * time.Second,
		StreamRequestBody:  false,
		MaxRequestBodySize: 16 << 20,
	}

	return g.srv.ListenAndServe(addr)
}

// Shutdown stops the listener and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.ShutdownWithContext(ctx)
}

// instrument wraps a handler with the per-route request counter and latency
// histogram.
func (g *Gateway) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		g.metrics.ObserveRequest(route,
			strconv.Itoa(ctx.Response.StatusCode()), time.Since(start))
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.ready == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.ready(probeCtx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
