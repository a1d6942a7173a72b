package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/graph"
	"github.com/nulpointcorp/llm-relay/internal/translate/gemini"
	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// surface describes one public API operation being dispatched: the route
// label, the client-facing model name, whether the client streams, and the
// per-connection call builder.
type surface struct {
	route  string
	model  string
	stream bool
	build  func(conn *graph.ConnectionNode) (*upstreamCall, error)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	raw := ctx.PostBody()
	var req openaiwire.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.serve(ctx, surface{
		route:  "chat_completions",
		model:  req.Model,
		stream: req.Stream,
		build: func(conn *graph.ConnectionNode) (*upstreamCall, error) {
			return buildChatCall(conn, &req, raw)
		},
	})
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	raw := ctx.PostBody()
	var req openaiwire.ResponsesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.serve(ctx, surface{
		route:  "responses",
		model:  req.Model,
		stream: req.Stream,
		build: func(conn *graph.ConnectionNode) (*upstreamCall, error) {
			return buildResponsesCall(conn, &req, raw)
		},
	})
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	raw := ctx.PostBody()
	var req openaiwire.EmbeddingsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.serve(ctx, surface{
		route: "embeddings",
		model: req.Model,
		build: func(conn *graph.ConnectionNode) (*upstreamCall, error) {
			return buildEmbeddingsCall(conn, &req, raw)
		},
	})
}

// serve runs the shared admission pipeline, then hands over to the failover
// dispatcher.
func (g *Gateway) serve(ctx *fasthttp.RequestCtx, s surface) {
	token := bearerToken(ctx)
	if token == "" {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"missing API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return
	}

	now := time.Now()
	gr, err := g.resolver.Resolve(ctx, token, s.model, false, now)
	if err != nil {
		var le *graph.LoadError
		if !errors.As(err, &le) {
			g.log.ErrorContext(ctx, "graph resolve failed",
				slog.String("route", s.route),
				slog.String("model", s.model),
				slog.String("error", err.Error()))
		}
		writeResolveError(ctx, err)
		return
	}

	if exceeded := checkAdmission(gr); exceeded != nil {
		g.writeLimitExceeded(ctx, exceeded)
		return
	}

	g.dispatch(ctx, s, gr)
}

// dispatch walks the connection candidates: one balancer pick per attempt,
// a per-connection limit check, then the upstream call. Failed attempts are
// logged and swallowed; after exhaustion the most informative error seen is
// propagated, preferring an upstream status over a transport failure.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, s surface, gr *graph.Graph) {
	requestID := requestUUID(ctx)
	method := string(ctx.Method())
	path := string(ctx.Path())

	var (
		lastStatus int
		lastBody   []byte
		lastErr    error
		lastLimit  *usage.ExceededError
	)

	attempts := len(gr.Connections)
	for attempt := 0; attempt < attempts; attempt++ {
		conn, err := g.balancer.Pick(gr)
		if err != nil {
			break
		}
		g.metrics.RecordBalancerPick(string(gr.Deployment.Data.Strategy))

		a := attemptLog{
			requestID: requestID,
			attempt:   attempt,
			method:    method,
			path:      path,
			requestTS: time.Now(),
			gr:        gr,
			conn:      conn,
		}
		provider := string(conn.Data.Variant.Kind)

		if exceeded := usage.Check(usage.ResourceConnection, conn.Data.Limits, conn.Usage); exceeded != nil {
			g.submitAttempt(a, fasthttp.StatusTooManyRequests, exceeded.Error(), 0, 0, false)
			g.metrics.RecordAdmissionRejection(string(exceeded.Metric), string(exceeded.Period))
			lastLimit = exceeded
			continue
		}

		call, err := s.build(conn)
		if err != nil {
			// Translation failures indicate a bug or an inexpressible
			// request; retrying on another connection cannot help.
			g.submitAttempt(a, fasthttp.StatusInternalServerError, err.Error(), 0, 0, false)
			g.log.ErrorContext(ctx, "request translation failed",
				slog.String("route", s.route),
				slog.String("provider", provider),
				slog.String("error", err.Error()))
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		if s.stream {
			done, status, body, upErr := g.attemptStream(ctx, s, a, call)
			if done {
				return
			}
			if upErr != nil {
				lastErr = upErr
			} else {
				lastStatus, lastBody = status, body
			}
			continue
		}

		status, body, upErr := g.attemptOnce(ctx, s, a, call)
		if upErr == nil && status == 0 {
			return // response already written
		}
		if upErr != nil {
			lastErr = upErr
		} else {
			lastStatus, lastBody = status, body
		}
	}

	switch {
	case lastStatus != 0:
		apierr.WriteUpstream(ctx, lastStatus, lastBody)
	case errors.Is(lastErr, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	case lastErr != nil:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"all upstream attempts failed", apierr.TypeProviderError, apierr.CodeProviderError)
	case lastLimit != nil:
		g.writeLimitExceeded(ctx, lastLimit)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no connections available", apierr.TypeProviderError, apierr.CodeNoConnections)
	}
}

// attemptOnce issues one non-streaming upstream call. A (0, nil, nil) return
// means the response has been written to the client; that includes reverse
// translation failures, which are terminal for the whole request. Non-2xx
// results return the captured status and body; transport failures return the
// error.
func (g *Gateway) attemptOnce(ctx *fasthttp.RequestCtx, s surface, a attemptLog, call *upstreamCall) (int, []byte, error) {
	provider := string(a.conn.Data.Variant.Kind)

	upCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	g.balancer.MarkOpened(a.conn.Data.ID)
	start := time.Now()
	resp, err := g.doRequest(upCtx, call, false)
	if err != nil {
		g.balancer.MarkClosed(a.conn.Data.ID)
		g.metrics.ObserveUpstreamAttempt(provider, "transport_error", time.Since(start))
		g.submitAttempt(a, fasthttp.StatusInternalServerError, err.Error(), 0, 0, true)
		return 0, nil, err
	}

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		g.balancer.MarkClosed(a.conn.Data.ID)
		g.metrics.ObserveUpstreamAttempt(provider, "upstream_error", time.Since(start))
		g.submitAttempt(a, resp.StatusCode, string(body), 0, 0, true)
		return resp.StatusCode, body, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	g.balancer.MarkClosed(a.conn.Data.ID)
	if err != nil {
		g.metrics.ObserveUpstreamAttempt(provider, "transport_error", time.Since(start))
		g.submitAttempt(a, fasthttp.StatusInternalServerError, err.Error(), 0, 0, true)
		return 0, nil, err
	}
	g.metrics.ObserveUpstreamAttempt(provider, "success", time.Since(start))

	out, inTokens, outTokens, err := translateBack(call, body, s.model)
	if err != nil {
		// Like forward translation, a reverse failure indicates a bug, not
		// a connection problem; another attempt cannot help.
		g.submitAttempt(a, fasthttp.StatusBadGateway, err.Error(), 0, 0, true)
		g.log.ErrorContext(ctx, "response translation failed",
			slog.String("route", s.route),
			slog.String("provider", provider),
			slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return 0, nil, nil
	}

	g.submitAttempt(a, resp.StatusCode, "", inTokens, outTokens, true)

	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
	return 0, nil, nil
}

// translateBack maps a successful upstream body to the public schema and
// extracts token usage for accounting.
func translateBack(call *upstreamCall, body []byte, model string) ([]byte, int64, int64, error) {
	now := time.Now()

	switch call.mode {
	case modePassthrough:
		in, out := probeUsage(body)
		return body, in, out, nil

	case modeGeminiChat:
		var parsed gemini.Response
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, 0, 0, fmt.Errorf("proxy: parse gemini response: %w", err)
		}
		resp, err := gemini.ToChatResponse(&parsed, model, now)
		if err != nil {
			return nil, 0, 0, err
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, 0, 0, err
		}
		var in, outTok int64
		if resp.Usage != nil {
			in, outTok = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		return out, in, outTok, nil

	case modeGeminiResponses:
		var parsed gemini.Response
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, 0, 0, fmt.Errorf("proxy: parse gemini response: %w", err)
		}
		resp, err := gemini.ToResponsesResponse(&parsed, model, now)
		if err != nil {
			return nil, 0, 0, err
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, 0, 0, err
		}
		var in, outTok int64
		if resp.Usage != nil {
			in, outTok = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		return out, in, outTok, nil

	case modeGeminiEmbeddings:
		resp, err := gemini.ToEmbeddingsResponse(body, call.batch, model)
		if err != nil {
			return nil, 0, 0, err
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, 0, 0, err
		}
		return out, 0, 0, nil

	default:
		return nil, 0, 0, fmt.Errorf("proxy: unknown translate mode %d", call.mode)
	}
}

// probeUsage reads the usage block of a passthrough body in either the chat
// (prompt/completion) or responses (input/output) vocabulary.
func probeUsage(body []byte) (in, out int64) {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return 0, 0
	}
	if v := u.Get("prompt_tokens"); v.Exists() {
		return v.Int(), u.Get("completion_tokens").Int()
	}
	return u.Get("input_tokens").Int(), u.Get("output_tokens").Int()
}

// doRequest issues the provider call. Credentialed headers are set here;
// Gemini carries its key in the URL instead.
func (g *Gateway) doRequest(ctx context.Context, call *upstreamCall, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.url, bytes.NewReader(call.body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}
	return g.client.Do(req)
}
